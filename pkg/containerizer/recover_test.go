package containerizer

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

func intPtr(v int) *int { return &v }

// seedRuntimeDir creates a container's runtime directory, optionally
// with a checkpointed pid.
func seedRuntimeDir(t *testing.T, runtimeDir string, id types.ContainerID, pid int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(paths.RuntimePath(runtimeDir, id), 0o755))
	if pid != 0 {
		require.NoError(t, paths.CheckpointPid(runtimeDir, id, pid))
	}
}

func agentStateWithRun(info *types.ExecutorInfo, id types.ContainerID, pid int, directory string) *state.AgentState {
	return &state.AgentState{
		Executors: []*state.ExecutorState{{
			FrameworkID: info.FrameworkID,
			ExecutorID:  info.ID,
			Info:        info,
			Latest:      id.String(),
			Runs: map[string]*state.RunState{
				id.String(): {ID: id, ForkedPid: intPtr(pid), Directory: directory},
			},
		}},
	}
}

func TestRecoverWithOrphan(t *testing.T) {
	h := newHarness(t)

	c1 := types.NewContainerID("c1")
	c2 := types.NewContainerID("c2")
	sandbox := t.TempDir()

	// The agent knows only c1; the runtime directory has both.
	seedRuntimeDir(t, h.cfg.RuntimeDir, c1, 111)
	seedRuntimeDir(t, h.cfg.RuntimeDir, c2, 222)

	info := sleepExecutor()
	before := testutil.ToFloat64(metrics.ContainerDestroyErrors)

	require.NoError(t, h.c.Recover(agentStateWithRun(&info, c1, 111, sandbox)))

	// c1 is running; c2 goes through the orphan path and disappears.
	require.Eventually(t, func() bool {
		ids := h.c.Containers()
		return len(ids) == 1 && ids[0].String() == "c1"
	}, 5*time.Second, 10*time.Millisecond)

	recoveredState, ok := h.stateOf(c1)
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, recoveredState)

	assert.Contains(t, h.launcher.destroyedIDs(), "c2")
	assert.Equal(t, before, testutil.ToFloat64(metrics.ContainerDestroyErrors))

	// The orphan's runtime directory was removed with it.
	require.Eventually(t, func() bool {
		_, err := os.Stat(paths.RuntimePath(h.cfg.RuntimeDir, c2))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoverSkipsCompletedRun(t *testing.T) {
	h := newHarness(t)

	c1 := types.NewContainerID("c1")
	info := sleepExecutor()

	agentState := agentStateWithRun(&info, c1, 111, t.TempDir())
	agentState.Executors[0].Runs[c1.String()].Completed = true

	require.NoError(t, h.c.Recover(agentState))
	assert.Empty(t, h.c.Containers())
}

func TestRecoverSkipsRunWithoutPid(t *testing.T) {
	h := newHarness(t)

	c1 := types.NewContainerID("c1")
	info := sleepExecutor()

	agentState := agentStateWithRun(&info, c1, 111, t.TempDir())
	agentState.Executors[0].Runs[c1.String()].ForkedPid = nil

	require.NoError(t, h.c.Recover(agentState))
	assert.Empty(t, h.c.Containers())
}

func TestRecoverSkipsTerminatedNestedContainer(t *testing.T) {
	h := newHarness(t)

	c1 := types.NewContainerID("c1")
	c2 := types.NewNestedContainerID(c1, "c2")
	sandbox := t.TempDir()

	seedRuntimeDir(t, h.cfg.RuntimeDir, c1, 111)
	seedRuntimeDir(t, h.cfg.RuntimeDir, c2, 0)

	exitStatus := 0
	checkpointed := types.ContainerTermination{ExitStatus: &exitStatus}
	require.NoError(t, paths.CheckpointTermination(h.cfg.RuntimeDir, c2, checkpointed))

	info := sleepExecutor()
	require.NoError(t, h.c.Recover(agentStateWithRun(&info, c1, 111, sandbox)))

	// The destroyed nested container is not resurrected, and waiting
	// on it serves the checkpointed termination.
	ids := h.c.Containers()
	require.Len(t, ids, 1)
	assert.Equal(t, "c1", ids[0].String())

	termination, err := h.c.Wait(c2)
	require.NoError(t, err)
	require.NotNil(t, termination)
	assert.Equal(t, checkpointed, *termination)
}

func TestRecoverNestedContainerUnderLiveRoot(t *testing.T) {
	h := newHarness(t)

	c1 := types.NewContainerID("c1")
	c2 := types.NewNestedContainerID(c1, "c2")
	sandbox := t.TempDir()

	seedRuntimeDir(t, h.cfg.RuntimeDir, c1, 111)
	seedRuntimeDir(t, h.cfg.RuntimeDir, c2, 222)

	info := sleepExecutor()
	require.NoError(t, h.c.Recover(agentStateWithRun(&info, c1, 111, sandbox)))

	// Both stay: the nested container is recoverable because its root
	// is alive and its pid is known.
	ids := h.c.Containers()
	require.Len(t, ids, 2)

	nestedState, ok := h.stateOf(c2)
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, nestedState)

	// The parent/child link was rebuilt.
	h.c.mu.Lock()
	parent := h.c.containers[c1.String()]
	_, tracked := parent.children[c2.String()]
	h.c.mu.Unlock()
	assert.True(t, tracked)

	// Its sandbox derives from the root's.
	h.c.mu.Lock()
	nested := h.c.containers[c2.String()]
	h.c.mu.Unlock()
	assert.Equal(t, sandbox+"/containers/c2", nested.directory)
}

func TestRecoverStripsNestedForNestingUnawareIsolators(t *testing.T) {
	h := newHarness(t)
	h.isolators[1].nesting = false

	c1 := types.NewContainerID("c1")
	c2 := types.NewNestedContainerID(c1, "c2")
	sandbox := t.TempDir()

	seedRuntimeDir(t, h.cfg.RuntimeDir, c1, 111)
	seedRuntimeDir(t, h.cfg.RuntimeDir, c2, 222)

	info := sleepExecutor()
	require.NoError(t, h.c.Recover(agentStateWithRun(&info, c1, 111, sandbox)))

	// The nesting-aware isolator saw both recoverable containers, the
	// nesting-unaware one only the top-level container.
	require.Len(t, h.isolators[0].recoverArgs, 1)
	assert.Equal(t, 2, h.isolators[0].recoverArgs[0][0])
	require.Len(t, h.isolators[1].recoverArgs, 1)
	assert.Equal(t, 1, h.isolators[1].recoverArgs[0][0])
}

func TestRecoverLauncherReportsExtraOrphans(t *testing.T) {
	h := newHarness(t)
	h.launcher.extraOrphans = []types.ContainerID{types.NewContainerID("stray")}

	require.NoError(t, h.c.Recover(nil))

	// The stray container is seeded and then destroyed as an orphan.
	require.Eventually(t, func() bool {
		return len(h.c.Containers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.launcher.destroyedIDs(), "stray")
}

func TestRecoverOrphansPidlessRuntimeContainer(t *testing.T) {
	h := newHarness(t)

	// The agent died between fork and pid checkpoint: a runtime
	// directory without a pid file.
	c1 := types.NewContainerID("c1")
	seedRuntimeDir(t, h.cfg.RuntimeDir, c1, 0)

	require.NoError(t, h.c.Recover(nil))

	require.Eventually(t, func() bool {
		return len(h.c.Containers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoverEmptyState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Recover(nil))
	assert.Empty(t, h.c.Containers())
	assert.Empty(t, h.launcher.destroyedIDs())
}
