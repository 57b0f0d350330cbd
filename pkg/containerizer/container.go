package containerizer

import (
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// future is a single-shot result shared between the pipeline that
// produces it and anyone awaiting it. Both set and fail are idempotent;
// the first settle wins.
type future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// settledFuture returns an already-resolved future.
func settledFuture[T any](value T) *future[T] {
	f := newFuture[T]()
	f.set(value)
	return f
}

func (f *future[T]) set(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *future[T]) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// wait blocks until the future settles, successfully or not.
func (f *future[T]) wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// settled reports whether the future has resolved without blocking.
func (f *future[T]) settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// sequence serializes tasks in submission order. Successive status
// queries for one container complete in the order they were issued.
type sequence struct {
	mu   sync.Mutex
	tail <-chan struct{}
}

func newSequence() *sequence {
	done := make(chan struct{})
	close(done)
	return &sequence{tail: done}
}

// add schedules task to run after every previously added task.
func (s *sequence) add(task func()) {
	s.mu.Lock()
	prev := s.tail
	next := make(chan struct{})
	s.tail = next
	s.mu.Unlock()

	go func() {
		<-prev
		task()
		close(next)
	}()
}

// container is the table record of one live container. The state field
// and the children set are guarded by the containerizer's mutex; the
// futures are written once by the pipeline that owns them.
type container struct {
	id        types.ContainerID
	state     types.ContainerState
	config    types.ContainerConfig
	directory string
	pid       int
	resources types.Resources

	// checkpointed records whether the agent asked for the forked pid
	// to be checkpointed to the metadata store.
	checkpointed bool

	// provisioning settles when the rootfs provision step completes.
	// Only set when the config carries an image.
	provisioning *future[types.ProvisionInfo]

	// launchInfos settles with the ordered isolator launch
	// contributions once every prepare has run.
	launchInfos *future[[]*types.ContainerLaunchInfo]

	// isolation settles when the parallel isolate phase completes.
	isolation *future[struct{}]

	// status settles with the reaped exit status of the entry process,
	// nil when the status can never be known.
	status *future[*int]

	// limitations accumulates isolator limitation notifications.
	limitations []types.ContainerLimitation

	// termination resolves exactly once at the end of destroy.
	termination *future[types.ContainerTermination]

	// sequence orders external status queries.
	sequence *sequence

	// children holds the direct children, keyed by stringified ID.
	children map[string]types.ContainerID
}

func newContainer(id types.ContainerID) *container {
	return &container{
		id:          id,
		state:       types.StateProvisioning,
		termination: newFuture[types.ContainerTermination](),
		sequence:    newSequence(),
		children:    make(map[string]types.ContainerID),
	}
}
