/*
Package launcher forks container entry processes and owns their
teardown.

The containerizer never touches native process primitives itself: it
hands the launcher a helper binary, argv, stdio sinks and the sync pipe,
and gets back a pid. Destroy kills everything the container started; the
containerizer will not clean up isolators until Destroy has succeeded,
because isolators may require that no container process is left alive.

SubprocessLauncher is the portable implementation: it forks the helper
into its own process group and destroys by killing that group with
SIGKILL. A Linux launcher owning clone/unshare and a freezer cgroup
would slot in behind the same interface.
*/
package launcher
