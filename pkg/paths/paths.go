package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

const (
	// ContainersDir is the directory name nested at every level of the
	// runtime and sandbox trees to hold child containers.
	ContainersDir = "containers"

	// PidFile holds the ASCII decimal pid of the container's entry
	// process, written after a successful fork.
	PidFile = "pid"

	// StatusFile holds the wait status of the container's command,
	// written by the launch helper when the command exits. An absent
	// file means the helper was killed before it could write one.
	StatusFile = "status"

	// TerminationFile holds the serialized termination record of a
	// destroyed nested container.
	TerminationFile = "termination"
)

// RuntimePath returns the engine's checkpoint directory for a container.
// The tree mirrors the container hierarchy:
//
//	<runtimeDir>/containers/c1/containers/c2
func RuntimePath(runtimeDir string, id types.ContainerID) string {
	path := runtimeDir
	for _, level := range id.Levels() {
		path = filepath.Join(path, ContainersDir, level)
	}
	return path
}

// SandboxPath returns a container's sandbox directory given the sandbox
// of its top-level root. For a top-level ID this is the root sandbox
// itself; for nested IDs it descends one "containers" level per ancestor:
//
//	<rootSandbox>/containers/c2/containers/c3
func SandboxPath(rootSandbox string, id types.ContainerID) string {
	levels := id.Levels()
	path := rootSandbox
	for _, level := range levels[1:] {
		path = filepath.Join(path, ContainersDir, level)
	}
	return path
}

// ContainerIDs scans the runtime directory and returns every checkpointed
// container ID, parents before children.
func ContainerIDs(runtimeDir string) ([]types.ContainerID, error) {
	var ids []types.ContainerID

	var walk func(dir string, parent *types.ContainerID) error
	walk = func(dir string, parent *types.ContainerID) error {
		entries, err := os.ReadDir(filepath.Join(dir, ContainersDir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read runtime directory %q: %w", dir, err)
		}

		// Sort for a deterministic recovery order.
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name() < entries[j].Name()
		})

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			id := types.ContainerID{Value: entry.Name(), Parent: parent}
			ids = append(ids, id)

			if err := walk(filepath.Join(dir, ContainersDir, entry.Name()), &id); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(runtimeDir, nil); err != nil {
		return nil, err
	}
	return ids, nil
}

// Checkpoint atomically writes data to path, creating parent directories
// as needed. A temp-file rename keeps partially written checkpoints from
// ever being observed.
func Checkpoint(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// CheckpointPid writes the entry process pid to the container's runtime
// directory.
func CheckpointPid(runtimeDir string, id types.ContainerID, pid int) error {
	path := filepath.Join(RuntimePath(runtimeDir, id), PidFile)
	return Checkpoint(path, []byte(strconv.Itoa(pid)))
}

// ContainerPid reads the checkpointed pid. The second return value
// reports whether a pid file was present.
func ContainerPid(runtimeDir string, id types.ContainerID) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(RuntimePath(runtimeDir, id), PidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse pid file: %w", err)
	}
	return pid, true, nil
}

// ContainerStatus reads the wait status checkpointed by the launch
// helper. The second return value reports whether a status file with
// content was present.
func ContainerStatus(runtimeDir string, id types.ContainerID) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(RuntimePath(runtimeDir, id), StatusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read status file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, false, nil
	}

	status, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse status file: %w", err)
	}
	return status, true, nil
}

// CheckpointStatus writes the command's wait status to the container's
// runtime directory. Used by the launch helper.
func CheckpointStatus(runtimeDir string, id types.ContainerID, status int) error {
	path := filepath.Join(RuntimePath(runtimeDir, id), StatusFile)
	return Checkpoint(path, []byte(strconv.Itoa(status)))
}

// CheckpointTermination writes a nested container's termination record to
// its runtime directory.
func CheckpointTermination(runtimeDir string, id types.ContainerID, termination types.ContainerTermination) error {
	data, err := json.Marshal(termination)
	if err != nil {
		return fmt.Errorf("failed to serialize termination: %w", err)
	}
	path := filepath.Join(RuntimePath(runtimeDir, id), TerminationFile)
	return Checkpoint(path, data)
}

// ContainerTermination reads a checkpointed termination record. Returns
// nil when no record exists.
func ContainerTermination(runtimeDir string, id types.ContainerID) (*types.ContainerTermination, error) {
	data, err := os.ReadFile(filepath.Join(RuntimePath(runtimeDir, id), TerminationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read termination file: %w", err)
	}

	var termination types.ContainerTermination
	if err := json.Unmarshal(data, &termination); err != nil {
		return nil, fmt.Errorf("failed to parse termination file: %w", err)
	}
	return &termination, nil
}
