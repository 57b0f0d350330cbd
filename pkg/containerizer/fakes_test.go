package containerizer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/launcher"
	"github.com/cuemby/burrow/pkg/types"
)

// callRecorder captures the order of isolator invocations across a
// whole pipeline.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeIsolator is a scriptable isolator.
type fakeIsolator struct {
	name     string
	nesting  bool
	recorder *callRecorder

	prepareFn func(id types.ContainerID, cfg types.ContainerConfig) (*types.ContainerLaunchInfo, error)

	mu          sync.Mutex
	watches     map[string]chan types.ContainerLimitation
	recoverArgs [][2]int // (len(states), len(orphans)) per call
}

func newFakeIsolator(name string, recorder *callRecorder) *fakeIsolator {
	return &fakeIsolator{
		name:     name,
		nesting:  true,
		recorder: recorder,
		watches:  make(map[string]chan types.ContainerLimitation),
	}
}

func (f *fakeIsolator) Name() string          { return f.name }
func (f *fakeIsolator) SupportsNesting() bool { return f.nesting }

func (f *fakeIsolator) Recover(states []types.ContainerSnapshot, orphans []types.ContainerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverArgs = append(f.recoverArgs, [2]int{len(states), len(orphans)})
	return nil
}

func (f *fakeIsolator) Prepare(id types.ContainerID, cfg types.ContainerConfig) (*types.ContainerLaunchInfo, error) {
	f.recorder.record("prepare:" + f.name + ":" + id.String())
	if f.prepareFn != nil {
		return f.prepareFn(id, cfg)
	}
	return nil, nil
}

func (f *fakeIsolator) Isolate(id types.ContainerID, pid int) error {
	f.recorder.record("isolate:" + f.name + ":" + id.String())
	return nil
}

func (f *fakeIsolator) Watch(id types.ContainerID) <-chan types.ContainerLimitation {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.watches[id.String()]
	if !ok {
		ch = make(chan types.ContainerLimitation, 1)
		f.watches[id.String()] = ch
	}
	return ch
}

// fireLimitation delivers a limitation on the container's watch.
func (f *fakeIsolator) fireLimitation(id types.ContainerID, limitation types.ContainerLimitation) {
	f.mu.Lock()
	ch, ok := f.watches[id.String()]
	f.mu.Unlock()
	if ok {
		ch <- limitation
	}
}

func (f *fakeIsolator) Update(id types.ContainerID, resources types.Resources) error { return nil }

func (f *fakeIsolator) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	return types.ResourceStatistics{}, nil
}

func (f *fakeIsolator) Status(id types.ContainerID) (types.ContainerStatus, error) {
	return types.ContainerStatus{}, nil
}

func (f *fakeIsolator) Cleanup(id types.ContainerID) error {
	f.recorder.record("cleanup:" + f.name + ":" + id.String())
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.watches[id.String()]; ok {
		close(ch)
		delete(f.watches, id.String())
	}
	return nil
}

// fakeReaper lets tests decide when a pid dies.
type fakeReaper struct {
	mu    sync.Mutex
	chans map[int]chan struct{}
}

func newFakeReaper() *fakeReaper {
	return &fakeReaper{chans: make(map[int]chan struct{})}
}

func (r *fakeReaper) Reap(pid int) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[pid]
	if !ok {
		ch = make(chan struct{})
		r.chans[pid] = ch
	}
	return ch
}

// exit marks a pid as gone.
func (r *fakeReaper) exit(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[pid]
	if !ok {
		ch = make(chan struct{})
		r.chans[pid] = ch
		close(ch)
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// fakeLauncher hands out synthetic pids and reports killed process
// groups to the reaper. Like a forked helper, it keeps a duplicate of
// every inherited descriptor open, so the sync pipe has a reader.
type fakeLauncher struct {
	reaper *fakeReaper
	held   []*os.File

	mu           sync.Mutex
	nextPid      int
	pids         map[string]int
	destroyed    []string
	forkErr      error
	destroyErr   error
	recovered    []types.ContainerSnapshot
	extraOrphans []types.ContainerID
	lastEnv      []string
}

func newFakeLauncher(reaper *fakeReaper) *fakeLauncher {
	return &fakeLauncher{
		reaper:  reaper,
		nextPid: 10000,
		pids:    make(map[string]int),
	}
}

func (l *fakeLauncher) Recover(states []types.ContainerSnapshot) ([]types.ContainerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recovered = append(l.recovered, states...)
	for _, state := range states {
		if state.PID != 0 {
			l.pids[state.ID.String()] = state.PID
		}
	}
	return l.extraOrphans, nil
}

func (l *fakeLauncher) Fork(id types.ContainerID, path string, argv []string,
	stdio launcher.Stdio, extraFiles []*os.File, env []string,
	namespaces []specs.LinuxNamespaceType) (int, error) {

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.forkErr != nil {
		return 0, l.forkErr
	}
	for _, f := range extraFiles {
		fd, err := syscall.Dup(int(f.Fd()))
		if err != nil {
			return 0, err
		}
		l.held = append(l.held, os.NewFile(uintptr(fd), f.Name()))
	}
	l.nextPid++
	l.pids[id.String()] = l.nextPid
	l.lastEnv = append([]string(nil), env...)
	return l.nextPid, nil
}

func (l *fakeLauncher) lastForkEnv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lastEnv...)
}

func (l *fakeLauncher) Status(id types.ContainerID) (types.ContainerStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pid, ok := l.pids[id.String()]
	if !ok {
		return types.ContainerStatus{}, fmt.Errorf("unknown container %s", id)
	}
	return types.ContainerStatus{ExecutorPID: pid}, nil
}

func (l *fakeLauncher) Destroy(ctx context.Context, id types.ContainerID) error {
	l.mu.Lock()
	l.destroyed = append(l.destroyed, id.String())
	err := l.destroyErr
	pid, ok := l.pids[id.String()]
	delete(l.pids, id.String())
	l.mu.Unlock()

	if err != nil {
		return err
	}
	if ok {
		l.reaper.exit(pid)
	}
	return nil
}

func (l *fakeLauncher) pidOf(id types.ContainerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pids[id.String()]
}

func (l *fakeLauncher) destroyedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.destroyed...)
}

// fakeProvisioner optionally blocks Provision until released.
type fakeProvisioner struct {
	mu          sync.Mutex
	block       chan struct{}
	result      types.ProvisionInfo
	provisionErr error
	destroyed   []string
	recoveredWith []types.ContainerID
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{}
}

func (p *fakeProvisioner) Recover(knownIDs []types.ContainerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoveredWith = append(p.recoveredWith, knownIDs...)
	return nil
}

func (p *fakeProvisioner) Provision(ctx context.Context, id types.ContainerID, image types.Image) (types.ProvisionInfo, error) {
	p.mu.Lock()
	block := p.block
	result := p.result
	err := p.provisionErr
	p.mu.Unlock()

	if block != nil {
		<-block
	}
	return result, err
}

func (p *fakeProvisioner) Destroy(ctx context.Context, id types.ContainerID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, id.String())
	return false, nil
}

func (p *fakeProvisioner) destroyedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyed...)
}

// fakeFetcher records fetches and kills.
type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	killed  []string
	block   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id types.ContainerID,
	command types.CommandInfo, directory string, user string) error {

	f.mu.Lock()
	f.fetched = append(f.fetched, id.String())
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return nil
}

func (f *fakeFetcher) Kill(id types.ContainerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id.String())
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

func (f *fakeFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// testHarness bundles a containerizer with its fakes.
type testHarness struct {
	c         *Containerizer
	cfg       *config.Config
	reaper    *fakeReaper
	launcher  *fakeLauncher
	prov      *fakeProvisioner
	fetcher   *fakeFetcher
	recorder  *callRecorder
	isolators []*fakeIsolator
}

func newHarness(t *testing.T, isolatorNames ...string) *testHarness {
	t.Helper()

	if len(isolatorNames) == 0 {
		isolatorNames = []string{"filesystem/test", "cpu/test", "mem/test"}
	}

	cfg := config.Default()
	cfg.RuntimeDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.LauncherDir = "/usr/libexec/burrow"

	recorder := &callRecorder{}
	reaper := newFakeReaper()
	fakeLaunch := newFakeLauncher(reaper)
	prov := newFakeProvisioner()
	fetch := newFakeFetcher()

	fakes := make([]*fakeIsolator, 0, len(isolatorNames))
	for _, name := range isolatorNames {
		fakes = append(fakes, newFakeIsolator(name, recorder))
	}

	c, err := New(cfg,
		WithReaper(reaper),
		WithLauncher(fakeLaunch),
		WithProvisioner(prov),
		WithFetcher(fetch),
		withFakeIsolators(fakes),
	)
	require.NoError(t, err)

	return &testHarness{
		c:         c,
		cfg:       cfg,
		reaper:    reaper,
		launcher:  fakeLaunch,
		prov:      prov,
		fetcher:   fetch,
		recorder:  recorder,
		isolators: fakes,
	}
}

func withFakeIsolators(fakes []*fakeIsolator) Option {
	return func(c *Containerizer) {
		for _, f := range fakes {
			c.isolators = append(c.isolators, f)
		}
	}
}

// stateOf inspects a container's current state.
func (h *testHarness) stateOf(id types.ContainerID) (types.ContainerState, bool) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	ct, ok := h.c.containers[id.String()]
	if !ok {
		return 0, false
	}
	return ct.state, true
}

func sleepExecutor() types.ExecutorInfo {
	return types.ExecutorInfo{
		ID:          "executor-1",
		FrameworkID: "framework-1",
		Command:     types.CommandInfo{Shell: true, Value: "/bin/sleep 30"},
	}
}
