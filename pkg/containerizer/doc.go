/*
Package containerizer implements the node's container orchestration
engine: a table of hierarchical containers driven through a fixed launch
pipeline and a state-dependent destruction pipeline, with crash recovery
from checkpointed on-disk state.

# Lifecycle

A container advances one state per pipeline stage:

	PROVISIONING → PREPARING → ISOLATING → FETCHING → RUNNING
	      └──────────┴────────────┴───────────┴─────────► DESTROYING

Launching provisions the image (when one is requested), runs every
isolator's prepare sequentially in declared order, forks the
burrow-launch helper, isolates the forked process in parallel, fetches
the command's artifacts into the sandbox, and finally writes one byte to
the sync pipe, releasing the helper to exec the command.

Destroy converges from any state. It recursively destroys children
first, unwinds however much of the launch pipeline already ran, asks the
launcher to kill the container's processes, awaits the reaped exit
status, cleans up the isolators in reverse declared order, destroys the
provisioned rootfs and resolves the container's termination exactly
once. Redundant destroys join the same termination.

# Concurrency

All container-table mutation is serialized behind one mutex. Pipeline
stages run on the launching goroutine and re-validate, after every
suspension point, that the container is still in the table and not being
destroyed; a stage that loses this race fails the launch with
"container destroyed during <phase>" (or "container is being destroyed
during <phase>" while the record is still in the table) and leaves
cleanup to the destruction pipeline.

# Checkpoints

The engine checkpoints the forked pid to the agent metadata store
before the runtime directory, so a runtime pid without a meta pid always
identifies an orphan that recovery may destroy. Nested containers leave
a checkpointed termination record behind; their runtime directories are
removed together with their root's.
*/
package containerizer
