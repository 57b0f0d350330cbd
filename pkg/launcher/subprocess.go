package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// killPollInterval is how often Destroy re-checks that a process group
// is gone after the SIGKILL.
const killPollInterval = 100 * time.Millisecond

// SubprocessLauncher is the posix launcher: it forks the helper in its
// own process group and destroys containers by killing that group. It
// ignores namespace requests; a Linux launcher owning clone/unshare
// would honor them.
type SubprocessLauncher struct {
	mu   sync.Mutex
	pids map[string]int
}

// NewSubprocessLauncher returns a posix subprocess launcher.
func NewSubprocessLauncher() *SubprocessLauncher {
	return &SubprocessLauncher{pids: make(map[string]int)}
}

// Recover re-registers the pids of recovered containers. The
// subprocess launcher keeps no out-of-process state, so it never
// reports extra orphans.
func (l *SubprocessLauncher) Recover(states []types.ContainerSnapshot) ([]types.ContainerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, state := range states {
		if state.PID != 0 {
			l.pids[state.ID.String()] = state.PID
		}
	}
	return nil, nil
}

// Fork starts the launch helper in a new process group.
func (l *SubprocessLauncher) Fork(id types.ContainerID, path string, argv []string,
	stdio Stdio, extraFiles []*os.File, env []string,
	namespaces []specs.LinuxNamespaceType) (int, error) {

	l.mu.Lock()
	if _, ok := l.pids[id.String()]; ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("process has already been forked for container %s", id)
	}
	l.mu.Unlock()

	if len(namespaces) > 0 {
		log.WithComponent("launcher").Warn().
			Str("container_id", id.String()).
			Msg("namespace isolation requested but not supported by the subprocess launcher")
	}

	cmd := exec.Command(path)
	cmd.Args = argv
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.ExtraFiles = extraFiles
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %q: %w", path, err)
	}

	pid := cmd.Process.Pid

	l.mu.Lock()
	l.pids[id.String()] = pid
	l.mu.Unlock()

	// Reap the direct child so it never lingers as a zombie. The exit
	// status the containerizer cares about is checkpointed by the
	// helper, not taken from here.
	go func() {
		_ = cmd.Wait()
	}()

	return pid, nil
}

// Status reports the forked pid.
func (l *SubprocessLauncher) Status(id types.ContainerID) (types.ContainerStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pid, ok := l.pids[id.String()]
	if !ok {
		return types.ContainerStatus{}, fmt.Errorf("unknown container %s", id)
	}
	return types.ContainerStatus{ExecutorPID: pid}, nil
}

// Destroy kills the container's process group and waits for it to
// disappear. An unknown container is already destroyed.
func (l *SubprocessLauncher) Destroy(ctx context.Context, id types.ContainerID) error {
	l.mu.Lock()
	pid, ok := l.pids[id.String()]
	if ok {
		delete(l.pids, id.String())
	}
	l.mu.Unlock()

	if !ok {
		log.WithComponent("launcher").Warn().
			Str("container_id", id.String()).
			Msg("ignoring destroy of unknown container")
		return nil
	}

	// The helper runs with Setpgid, so its pid doubles as the process
	// group to kill.
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}

	ticker := time.NewTicker(killPollInterval)
	defer ticker.Stop()

	for {
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for process group %d to exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
}
