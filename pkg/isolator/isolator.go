package isolator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
)

// Isolator is a pluggable component responsible for one resource or
// namespace dimension of a container.
//
// Prepare is invoked sequentially across isolators in their declared
// order; Cleanup runs in reverse declared order. Isolate runs in
// parallel. Isolators that do not support nesting are never invoked for
// nested container IDs in any phase.
type Isolator interface {
	// Name returns the isolator's registered name.
	Name() string

	// SupportsNesting reports whether the isolator can handle nested
	// containers.
	SupportsNesting() bool

	// Recover reconciles the isolator's state with the recovered
	// containers and the known orphans.
	Recover(states []types.ContainerSnapshot, orphans []types.ContainerID) error

	// Prepare runs before the container is forked and may contribute
	// to its launch. A nil contribution is valid.
	Prepare(id types.ContainerID, cfg types.ContainerConfig) (*types.ContainerLaunchInfo, error)

	// Isolate applies isolation to the forked process.
	Isolate(id types.ContainerID, pid int) error

	// Watch returns a channel that delivers at most one resource
	// limitation for the container. The channel is closed on cleanup.
	Watch(id types.ContainerID) <-chan types.ContainerLimitation

	// Update adjusts the container's resource allotment.
	Update(id types.ContainerID, resources types.Resources) error

	// Usage samples the container's current resource usage.
	Usage(id types.ContainerID) (types.ResourceStatistics, error)

	// Status reports the isolator's view of the container's runtime
	// status.
	Status(id types.ContainerID) (types.ContainerStatus, error)

	// Cleanup releases everything the isolator holds for the
	// container.
	Cleanup(id types.ContainerID) error
}

// Factory builds an isolator from the engine configuration. External
// modules plug in through the same registry as the builtin isolators.
type Factory func(cfg *config.Config) (Isolator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an isolator factory under name. Registering the same
// name twice is an error.
func Register(name string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		return fmt.Errorf("isolator %q is already registered", name)
	}
	registry[name] = factory
	return nil
}

// MustRegister is Register for package init paths.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// New builds the isolator registered under name.
func New(name string, cfg *config.Config) (Isolator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown or unsupported isolator %q", name)
	}

	iso, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create isolator %q: %w", name, err)
	}
	return iso, nil
}

// NewAll builds the configured isolators in declared order.
func NewAll(names []string, cfg *config.Config) ([]Isolator, error) {
	isolators := make([]Isolator, 0, len(names))
	for _, name := range names {
		iso, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		isolators = append(isolators, iso)
	}
	return isolators, nil
}

// Names lists the registered isolator names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
