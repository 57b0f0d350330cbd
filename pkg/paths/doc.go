/*
Package paths owns the on-disk layout of the containerizer's runtime
directory and the sandbox tree.

The runtime directory mirrors the container hierarchy; every level nests
its children under a "containers" directory:

	<runtime_dir>/containers/c1/pid
	<runtime_dir>/containers/c1/status
	<runtime_dir>/containers/c1/containers/c2/termination

Sandboxes nest the same way under the top-level container's sandbox:

	<sandbox>/containers/c2/containers/c3

All checkpoint writes are atomic (temp file plus rename), so readers
never observe a partial pid, status or termination file.
*/
package paths
