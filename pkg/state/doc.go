/*
Package state is the agent-level metadata store: the executor runs the
outer agent would checkpoint, kept in a bbolt database under the work
directory.

The containerizer writes a forked pid here before checkpointing it to
the runtime directory. That ordering is the orphan-detection invariant:
a pid found in the runtime directory without a matching run in this
store can only mean the metadata was wiped, and the container is safe
to destroy during recovery.

Recovery reads the store back as an AgentState and considers only the
latest run of each executor.
*/
package state
