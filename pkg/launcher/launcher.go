package launcher

import (
	"context"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/burrow/pkg/types"
)

// Stdio holds the subprocess stdio destinations for a fork.
type Stdio struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Launcher forks container entry processes and owns their teardown. The
// native namespace and process-group primitives live here; the
// containerizer only ever sees pids.
type Launcher interface {
	// Recover re-registers the forked processes of recovered
	// containers and returns any extra container IDs the launcher
	// knows about that the caller does not.
	Recover(states []types.ContainerSnapshot) ([]types.ContainerID, error)

	// Fork starts the launch helper for a container. extraFiles are
	// inherited by the child starting at descriptor 3 in order.
	Fork(id types.ContainerID, path string, argv []string, stdio Stdio,
		extraFiles []*os.File, env []string,
		namespaces []specs.LinuxNamespaceType) (int, error)

	// Status reports the launcher's view of a container.
	Status(id types.ContainerID) (types.ContainerStatus, error)

	// Destroy kills every process in the container. Isolator cleanup
	// must not begin until Destroy has succeeded.
	Destroy(ctx context.Context, id types.ContainerID) error
}

// LaunchFlags is the contract between the containerizer and the
// burrow-launch helper, serialized as JSON on the helper's command line.
// The helper blocks on the sync descriptor until the parent signals that
// isolation is complete, runs the pre-exec commands, and finally execs
// the command, checkpointing its wait status into the runtime directory.
type LaunchFlags struct {
	Command          types.CommandInfo     `json:"command"`
	WorkingDirectory string                `json:"working_directory,omitempty"`
	Rootfs           string                `json:"rootfs,omitempty"`
	User             string                `json:"user,omitempty"`
	PreExecCommands  []types.CommandInfo   `json:"pre_exec_commands,omitempty"`
	SyncFD           int                   `json:"sync_fd"`
	RuntimeDirectory string                `json:"runtime_directory"`
	Capabilities     *types.CapabilityInfo `json:"capabilities,omitempty"`
}
