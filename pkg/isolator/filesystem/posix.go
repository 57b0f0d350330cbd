// Package filesystem provides the filesystem/posix isolator: containers
// share the host filesystem and work out of their sandbox directory.
package filesystem

import (
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/isolator"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	isolator.MustRegister("filesystem/posix", func(cfg *config.Config) (isolator.Isolator, error) {
		return NewPosixIsolator(), nil
	})
}

// PosixIsolator validates that containers sharing the host filesystem
// use distinct sandboxes and never ask for a provisioned root
// filesystem. It is declared first so other isolators can rely on the
// sandbox existing.
type PosixIsolator struct {
	mu        sync.Mutex
	sandboxes map[string]string
	watches   map[string]chan types.ContainerLimitation
}

// NewPosixIsolator returns the filesystem/posix isolator.
func NewPosixIsolator() *PosixIsolator {
	return &PosixIsolator{
		sandboxes: make(map[string]string),
		watches:   make(map[string]chan types.ContainerLimitation),
	}
}

func (i *PosixIsolator) Name() string { return "filesystem/posix" }

func (i *PosixIsolator) SupportsNesting() bool { return true }

func (i *PosixIsolator) Recover(states []types.ContainerSnapshot, orphans []types.ContainerID) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, state := range states {
		i.sandboxes[state.ID.String()] = state.Directory
	}
	return nil
}

func (i *PosixIsolator) Prepare(id types.ContainerID, cfg types.ContainerConfig) (*types.ContainerLaunchInfo, error) {
	if cfg.Rootfs != "" {
		return nil, fmt.Errorf("filesystem/posix does not support container root filesystems")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for other, sandbox := range i.sandboxes {
		if other != id.String() && sandbox == cfg.Directory {
			return nil, fmt.Errorf(
				"sandbox %q is already in use by container %s", cfg.Directory, other)
		}
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory %q: %w", cfg.Directory, err)
	}

	i.sandboxes[id.String()] = cfg.Directory
	return nil, nil
}

func (i *PosixIsolator) Isolate(id types.ContainerID, pid int) error {
	return nil
}

func (i *PosixIsolator) Watch(id types.ContainerID) <-chan types.ContainerLimitation {
	// The posix filesystem never limits anything; the channel closes
	// when the container is cleaned up.
	i.mu.Lock()
	defer i.mu.Unlock()

	ch, ok := i.watches[id.String()]
	if !ok {
		ch = make(chan types.ContainerLimitation)
		i.watches[id.String()] = ch
	}
	return ch
}

func (i *PosixIsolator) Update(id types.ContainerID, resources types.Resources) error {
	return nil
}

func (i *PosixIsolator) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	return types.ResourceStatistics{}, nil
}

func (i *PosixIsolator) Status(id types.ContainerID) (types.ContainerStatus, error) {
	return types.ContainerStatus{}, nil
}

func (i *PosixIsolator) Cleanup(id types.ContainerID) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if ch, ok := i.watches[id.String()]; ok {
		close(ch)
		delete(i.watches, id.String())
	}
	delete(i.sandboxes, id.String())
	return nil
}
