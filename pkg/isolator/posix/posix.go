// Package posix provides the process-level isolators usable on any
// POSIX system: posix/cpu, posix/mem and disk/du. They enforce nothing;
// they report usage of the container's entry process and, for disk/du,
// raise a limitation when the sandbox outgrows its allotment.
package posix

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// base carries the bookkeeping shared by the posix isolators: the pid
// and resource allotment per container, plus the single-shot limitation
// channel handed out by Watch.
type base struct {
	name string

	mu      sync.Mutex
	pids    map[string]int
	limits  map[string]types.Resources
	dirs    map[string]string
	watches map[string]chan types.ContainerLimitation
	fired   map[string]bool
}

func newBase(name string) *base {
	return &base{
		name:    name,
		pids:    make(map[string]int),
		limits:  make(map[string]types.Resources),
		dirs:    make(map[string]string),
		watches: make(map[string]chan types.ContainerLimitation),
		fired:   make(map[string]bool),
	}
}

func (b *base) Name() string { return b.name }

// The posix isolators act on the entry process only, which makes no
// sense for nested containers sharing their root's process tree.
func (b *base) SupportsNesting() bool { return false }

func (b *base) Recover(states []types.ContainerSnapshot, orphans []types.ContainerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, state := range states {
		b.pids[state.ID.String()] = state.PID
		b.dirs[state.ID.String()] = state.Directory
	}
	return nil
}

func (b *base) Prepare(id types.ContainerID, cfg types.ContainerConfig) (*types.ContainerLaunchInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limits[id.String()] = cfg.Resources
	b.dirs[id.String()] = cfg.Directory
	return nil, nil
}

func (b *base) Isolate(id types.ContainerID, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pids[id.String()] = pid
	return nil
}

func (b *base) Watch(id types.ContainerID) <-chan types.ContainerLimitation {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.watchLocked(id)
}

func (b *base) watchLocked(id types.ContainerID) chan types.ContainerLimitation {
	ch, ok := b.watches[id.String()]
	if !ok {
		ch = make(chan types.ContainerLimitation, 1)
		b.watches[id.String()] = ch
	}
	return ch
}

// limit fires the container's limitation at most once.
func (b *base) limit(id types.ContainerID, limitation types.ContainerLimitation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fired[id.String()] {
		return
	}
	b.fired[id.String()] = true
	b.watchLocked(id) <- limitation
}

func (b *base) Update(id types.ContainerID, resources types.Resources) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.limits[id.String()]; !ok {
		return fmt.Errorf("unknown container %s", id)
	}
	b.limits[id.String()] = resources
	return nil
}

func (b *base) Status(id types.ContainerID) (types.ContainerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return types.ContainerStatus{ExecutorPID: b.pids[id.String()]}, nil
}

func (b *base) Cleanup(id types.ContainerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.watches[id.String()]; ok {
		close(ch)
	}
	delete(b.watches, id.String())
	delete(b.pids, id.String())
	delete(b.limits, id.String())
	delete(b.dirs, id.String())
	delete(b.fired, id.String())
	return nil
}

// pid returns the isolated entry process, if known.
func (b *base) pid(id types.ContainerID) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid, ok := b.pids[id.String()]
	return pid, ok
}

func (b *base) limitFor(id types.ContainerID) types.Resources {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.limits[id.String()]
}

func (b *base) dir(id types.ContainerID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, ok := b.dirs[id.String()]
	return dir, ok
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
