package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func executorInfo(frameworkID, executorID string) *types.ExecutorInfo {
	return &types.ExecutorInfo{
		ID:          executorID,
		FrameworkID: frameworkID,
		Command:     types.CommandInfo{Shell: true, Value: "/bin/sleep 30"},
	}
}

func TestCheckpointRunAndForkedPid(t *testing.T) {
	store := openStore(t)

	info := executorInfo("framework-1", "executor-1")
	id := types.NewContainerID("c1")

	require.NoError(t, store.CheckpointRun(info, RunState{
		ID:        id,
		Directory: "/sandboxes/c1",
	}))
	require.NoError(t, store.CheckpointForkedPid("framework-1", "executor-1", id, 4242))

	agentState, err := store.AgentState()
	require.NoError(t, err)
	require.Len(t, agentState.Executors, 1)

	executor := agentState.Executors[0]
	assert.Equal(t, "framework-1", executor.FrameworkID)
	assert.Equal(t, "executor-1", executor.ExecutorID)
	require.NotNil(t, executor.Info)

	run := executor.LatestRun()
	require.NotNil(t, run)
	assert.Equal(t, "c1", run.ID.String())
	require.NotNil(t, run.ForkedPid)
	assert.Equal(t, 4242, *run.ForkedPid)
	assert.False(t, run.Completed)
}

func TestLatestRunTracksMostRecentCheckpoint(t *testing.T) {
	store := openStore(t)

	info := executorInfo("framework-1", "executor-1")
	require.NoError(t, store.CheckpointRun(info, RunState{ID: types.NewContainerID("run-1")}))
	require.NoError(t, store.CheckpointRun(info, RunState{ID: types.NewContainerID("run-2")}))

	agentState, err := store.AgentState()
	require.NoError(t, err)
	require.Len(t, agentState.Executors, 1)

	executor := agentState.Executors[0]
	assert.Len(t, executor.Runs, 2)
	require.NotNil(t, executor.LatestRun())
	assert.Equal(t, "run-2", executor.LatestRun().ID.String())
}

func TestMarkCompleted(t *testing.T) {
	store := openStore(t)

	info := executorInfo("framework-1", "executor-1")
	id := types.NewContainerID("c1")
	require.NoError(t, store.CheckpointRun(info, RunState{ID: id}))
	require.NoError(t, store.MarkCompleted("framework-1", "executor-1", id))

	agentState, err := store.AgentState()
	require.NoError(t, err)
	assert.True(t, agentState.Executors[0].LatestRun().Completed)
}

func TestUpdateUnknownRunFails(t *testing.T) {
	store := openStore(t)

	err := store.CheckpointForkedPid("framework-1", "executor-1", types.NewContainerID("c1"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown executor")
}
