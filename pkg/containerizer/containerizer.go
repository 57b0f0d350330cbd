package containerizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/fetcher"
	"github.com/cuemby/burrow/pkg/isolator"
	"github.com/cuemby/burrow/pkg/launcher"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logger"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/provisioner"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// HelperName is the launch helper binary forked for every container.
const HelperName = "burrow-launch"

// Reaper watches a process and reports when it is gone. The default
// implementation polls the process table; tests substitute their own.
type Reaper interface {
	// Reap returns a channel closed once the process no longer exists.
	Reap(pid int) <-chan struct{}
}

// pollReaper polls the process table.
type pollReaper struct {
	interval time.Duration
}

func (r *pollReaper) Reap(pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			exists, err := process.PidExists(int32(pid))
			if err == nil && !exists {
				return
			}
			time.Sleep(r.interval)
		}
	}()
	return done
}

// Containerizer owns the lifecycle of the node's container tree. All
// mutations of the container table are serialized behind its mutex;
// pipeline stages re-validate the table and the container state after
// every suspension point.
type Containerizer struct {
	cfg        *config.Config
	isolators  []isolator.Isolator
	launcher   launcher.Launcher
	prov       provisioner.Provisioner
	fetcher    fetcher.Fetcher
	logger     logger.ContainerLogger
	meta       *state.Store
	reaper     Reaper
	helperPath string

	logc zerolog.Logger

	mu         sync.Mutex
	containers map[string]*container
}

// Option customizes a Containerizer.
type Option func(*Containerizer)

// WithLauncher substitutes the launcher.
func WithLauncher(l launcher.Launcher) Option {
	return func(c *Containerizer) { c.launcher = l }
}

// WithProvisioner substitutes the provisioner.
func WithProvisioner(p provisioner.Provisioner) Option {
	return func(c *Containerizer) { c.prov = p }
}

// WithFetcher substitutes the fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *Containerizer) { c.fetcher = f }
}

// WithContainerLogger substitutes the container logger.
func WithContainerLogger(l logger.ContainerLogger) Option {
	return func(c *Containerizer) { c.logger = l }
}

// WithIsolators substitutes the isolator pipeline, bypassing the
// registry.
func WithIsolators(isolators ...isolator.Isolator) Option {
	return func(c *Containerizer) { c.isolators = isolators }
}

// WithMetaStore attaches the agent metadata store used for pid
// checkpointing and recovery.
func WithMetaStore(s *state.Store) Option {
	return func(c *Containerizer) { c.meta = s }
}

// WithReaper substitutes the process reaper.
func WithReaper(r Reaper) Option {
	return func(c *Containerizer) { c.reaper = r }
}

// New builds a containerizer from the configuration. Isolators are
// constructed from the registry in declared order unless overridden.
func New(cfg *config.Config, opts ...Option) (*Containerizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Containerizer{
		cfg:        cfg,
		reaper:     &pollReaper{interval: 100 * time.Millisecond},
		logc:       log.WithComponent("containerizer"),
		containers: make(map[string]*container),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.isolators == nil {
		isolators, err := isolator.NewAll(cfg.Isolation, cfg)
		if err != nil {
			return nil, err
		}
		c.isolators = isolators
	}
	if c.launcher == nil {
		c.launcher = launcher.NewSubprocessLauncher()
	}
	if c.prov == nil {
		c.prov = provisioner.NewImageProvisioner(filepath.Join(cfg.RuntimeDir, "provisioner"))
	}
	if c.fetcher == nil {
		c.fetcher = fetcher.New()
	}
	if c.logger == nil {
		c.logger = logger.NewSandboxLogger()
	}

	helperDir := cfg.LauncherDir
	if helperDir == "" {
		if executable, err := os.Executable(); err == nil {
			helperDir = filepath.Dir(executable)
		}
	}
	c.helperPath = filepath.Join(helperDir, HelperName)

	c.logc.Info().
		Strs("isolation", cfg.Isolation).
		Str("runtime_dir", cfg.RuntimeDir).
		Msg("created containerizer")

	return c, nil
}

// Containers returns the IDs of every container in the table.
func (c *Containerizer) Containers() []types.ContainerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]types.ContainerID, 0, len(c.containers))
	for _, ct := range c.containers {
		ids = append(ids, ct.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Update adjusts a top-level container's resources and pushes the new
// allotment to every isolator. Unknown or destroying containers are a
// warning, not an error: the agent updates resources on terminal task
// state changes and the container may already be gone.
func (c *Containerizer) Update(id types.ContainerID, resources types.Resources) error {
	if id.HasParent() {
		return fmt.Errorf("updating a nested container is not supported")
	}

	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	if !ok {
		c.mu.Unlock()
		c.logc.Warn().Str("container_id", id.String()).
			Msg("ignoring update for unknown container")
		return nil
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		c.logc.Warn().Str("container_id", id.String()).
			Msg("ignoring update for currently being destroyed container")
		return nil
	}

	// Update the container's resources before the isolators so that a
	// subsequent update sees the new allotment.
	ct.resources = resources
	c.mu.Unlock()

	var errs []string
	for _, iso := range c.isolators {
		if err := iso.Update(id, resources); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to update isolators: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Usage aggregates resource statistics across isolators. Partial
// results are tolerated: a failing isolator is skipped with a warning.
func (c *Containerizer) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	if !ok {
		c.mu.Unlock()
		return types.ResourceStatistics{}, fmt.Errorf("unknown container %s", id)
	}
	resources := ct.resources
	c.mu.Unlock()

	result := types.ResourceStatistics{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}

	for _, iso := range c.applicableIsolators(id) {
		stats, err := iso.Usage(id)
		if err != nil {
			c.logc.Warn().Err(err).
				Str("container_id", id.String()).
				Str("isolator", iso.Name()).
				Msg("skipping resource statistic")
			continue
		}
		stats.Timestamp = 0
		result.Merge(stats)
	}

	// The allotment caps come from the container record, not the
	// samples.
	if resources.MemBytes != 0 {
		result.MemLimitBytes = resources.MemBytes
	}
	if resources.CPUs != 0 {
		result.CPUsLimit = resources.CPUs
	}
	return result, nil
}

// Status aggregates container status across isolators and the launcher.
// Requests for the same container complete in issue order.
func (c *Containerizer) Status(id types.ContainerID) (types.ContainerStatus, error) {
	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	c.mu.Unlock()
	if !ok {
		return types.ContainerStatus{}, fmt.Errorf("unknown container %s", id)
	}

	type answer struct {
		status types.ContainerStatus
		err    error
	}
	done := make(chan answer, 1)

	ct.sequence.add(func() {
		c.mu.Lock()
		_, ok := c.containers[id.String()]
		c.mu.Unlock()
		if !ok {
			done <- answer{err: fmt.Errorf("unknown container %s", id)}
			return
		}

		var result types.ContainerStatus
		for _, iso := range c.applicableIsolators(id) {
			status, err := iso.Status(id)
			if err != nil {
				c.logc.Warn().Err(err).
					Str("container_id", id.String()).
					Str("isolator", iso.Name()).
					Msg("skipping status")
				continue
			}
			result.Merge(status)
		}

		if status, err := c.launcher.Status(id); err == nil {
			result.Merge(status)
		} else {
			c.logc.Warn().Err(err).
				Str("container_id", id.String()).
				Msg("skipping launcher status")
		}

		done <- answer{status: result}
	})

	a := <-done
	return a.status, a.err
}

// Wait returns the container's termination record once it is destroyed.
// For unknown nested containers the checkpointed termination is
// returned when present; otherwise Wait returns nil.
func (c *Containerizer) Wait(id types.ContainerID) (*types.ContainerTermination, error) {
	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	c.mu.Unlock()

	if !ok {
		if id.HasParent() {
			termination, err := paths.ContainerTermination(c.cfg.RuntimeDir, id)
			if err != nil {
				return nil, fmt.Errorf("failed to get container termination state: %w", err)
			}
			if termination != nil {
				return termination, nil
			}
		}
		return nil, nil
	}

	termination, err := ct.termination.wait()
	if err != nil {
		return nil, err
	}
	return &termination, nil
}

// applicableIsolators returns the isolator pipeline for a container,
// skipping nesting-unaware isolators for nested IDs.
func (c *Containerizer) applicableIsolators(id types.ContainerID) []isolator.Isolator {
	if !id.HasParent() {
		return c.isolators
	}

	applicable := make([]isolator.Isolator, 0, len(c.isolators))
	for _, iso := range c.isolators {
		if iso.SupportsNesting() {
			applicable = append(applicable, iso)
		}
	}
	return applicable
}

// reap resolves with the container's exit status once its entry process
// is gone. The status checkpointed by the launch helper takes
// precedence over anything else; a missing status file means the helper
// was SIGKILL'd before it could write one.
func (c *Containerizer) reap(id types.ContainerID, pid int) *future[*int] {
	f := newFuture[*int]()

	go func() {
		<-c.reaper.Reap(pid)

		runtimePath := paths.RuntimePath(c.cfg.RuntimeDir, id)
		if _, err := os.Stat(runtimePath); err != nil {
			// No runtime directory: nothing checkpointed a status.
			f.set(nil)
			return
		}

		status, ok, err := paths.ContainerStatus(c.cfg.RuntimeDir, id)
		if err != nil {
			f.fail(fmt.Errorf("failed to get container status: %w", err))
			return
		}
		if ok {
			f.set(&status)
			return
		}

		// The helper was interrupted by a SIGKILL before writing the
		// status file.
		killed := int(sigkillStatus)
		f.set(&killed)
	}()

	return f
}

// sigkillStatus is the wait status of a process terminated by SIGKILL.
const sigkillStatus = 9

// monitor invokes the reaped-exit handler once the container's status
// future settles.
func (c *Containerizer) monitor(id types.ContainerID, status *future[*int]) {
	go func() {
		status.wait()
		c.reaped(id)
	}()
}

// reaped handles the exit of a container's entry process by destroying
// the container.
func (c *Containerizer) reaped(id types.ContainerID) {
	c.mu.Lock()
	_, ok := c.containers[id.String()]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logc.Info().Str("container_id", id.String()).Msg("container has exited")
	c.destroy(id)
}

// watchLimitations registers the limitation watcher of every applicable
// isolator for the container.
func (c *Containerizer) watchLimitations(id types.ContainerID) {
	for _, iso := range c.applicableIsolators(id) {
		ch := iso.Watch(id)
		go func() {
			limitation, ok := <-ch
			if ok {
				c.limited(id, limitation)
			}
		}()
	}
}

// limited records an isolator limitation and destroys the container.
func (c *Containerizer) limited(id types.ContainerID, limitation types.ContainerLimitation) {
	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	if !ok || ct.state == types.StateDestroying {
		c.mu.Unlock()
		return
	}
	ct.limitations = append(ct.limitations, limitation)
	c.mu.Unlock()

	c.logc.Info().
		Str("container_id", id.String()).
		Str("message", limitation.Message).
		Msg("container has reached its limit and will be terminated")

	c.destroy(id)
}

// setState transitions a container's state. Callers hold the mutex.
func (c *Containerizer) setState(ct *container, to types.ContainerState) {
	metrics.ContainersTotal.WithLabelValues(ct.state.String()).Dec()
	metrics.ContainersTotal.WithLabelValues(to.String()).Inc()
	ct.state = to
}

// insert adds a container to the table. Callers hold the mutex.
func (c *Containerizer) insert(ct *container) {
	c.containers[ct.id.String()] = ct
	metrics.ContainersTotal.WithLabelValues(ct.state.String()).Inc()
}

// remove deletes a container from the table and detaches it from its
// parent. Callers hold the mutex.
func (c *Containerizer) remove(ct *container) {
	if ct.id.HasParent() {
		if parent, ok := c.containers[ct.id.Parent.String()]; ok {
			delete(parent.children, ct.id.String())
		}
	}
	delete(c.containers, ct.id.String())
	metrics.ContainersTotal.WithLabelValues(ct.state.String()).Dec()
}
