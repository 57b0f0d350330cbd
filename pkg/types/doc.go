/*
Package types defines the data model shared by the containerizer and its
collaborators: hierarchical container IDs, launch configuration, isolator
launch contributions, resource accounting, and the termination record that
is the single authoritative outcome surface for a container.

Container IDs form a tree. A top-level container has no parent; a nested
container points at its parent and ultimately at a top-level root:

	c1           NewContainerID("c1")
	c1.c2        NewNestedContainerID(c1, "c2")
	c1.c2.c3     NewNestedContainerID(c1c2, "c3")

All types here are plain values with JSON tags so they can be checkpointed
to the runtime directory and to the agent metadata store.
*/
package types
