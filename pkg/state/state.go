package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Bucket names
	bucketExecutors = []byte("executors")
)

// RunState is one checkpointed run of an executor.
type RunState struct {
	ID        types.ContainerID `json:"id"`
	ForkedPid *int              `json:"forked_pid,omitempty"`
	Completed bool              `json:"completed,omitempty"`
	Directory string            `json:"directory"`
}

// ExecutorState is the checkpointed state of one executor of one
// framework, including every run and which run is the latest.
type ExecutorState struct {
	FrameworkID string               `json:"framework_id"`
	ExecutorID  string               `json:"executor_id"`
	Info        *types.ExecutorInfo  `json:"info,omitempty"`
	Latest      string               `json:"latest,omitempty"`
	Runs        map[string]*RunState `json:"runs,omitempty"`
}

// LatestRun returns the executor's latest run, or nil when none was
// checkpointed.
func (e *ExecutorState) LatestRun() *RunState {
	if e.Latest == "" {
		return nil
	}
	return e.Runs[e.Latest]
}

// AgentState is the agent-level checkpoint handed to the containerizer
// on recovery.
type AgentState struct {
	Executors []*ExecutorState
}

// Store is the bbolt-backed agent metadata store. The containerizer
// checkpoints forked pids here before writing them to the runtime
// directory, so a runtime pid without a matching meta pid always marks
// an orphan.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the metadata store under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "meta.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketExecutors); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketExecutors, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func executorKey(frameworkID, executorID string) []byte {
	return []byte(frameworkID + "/" + executorID)
}

func (s *Store) getExecutor(tx *bolt.Tx, frameworkID, executorID string) (*ExecutorState, error) {
	b := tx.Bucket(bucketExecutors)
	data := b.Get(executorKey(frameworkID, executorID))
	if data == nil {
		return nil, nil
	}

	var executor ExecutorState
	if err := json.Unmarshal(data, &executor); err != nil {
		return nil, fmt.Errorf("failed to decode executor state: %w", err)
	}
	return &executor, nil
}

func (s *Store) putExecutor(tx *bolt.Tx, executor *ExecutorState) error {
	data, err := json.Marshal(executor)
	if err != nil {
		return fmt.Errorf("failed to encode executor state: %w", err)
	}
	return tx.Bucket(bucketExecutors).Put(
		executorKey(executor.FrameworkID, executor.ExecutorID), data)
}

// CheckpointRun records a new run for an executor and marks it as the
// latest.
func (s *Store) CheckpointRun(info *types.ExecutorInfo, run RunState) error {
	if info == nil {
		return fmt.Errorf("executor info is required to checkpoint a run")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		executor, err := s.getExecutor(tx, info.FrameworkID, info.ID)
		if err != nil {
			return err
		}
		if executor == nil {
			executor = &ExecutorState{
				FrameworkID: info.FrameworkID,
				ExecutorID:  info.ID,
				Runs:        make(map[string]*RunState),
			}
		}

		executor.Info = info
		executor.Latest = run.ID.String()
		executor.Runs[run.ID.String()] = &run

		return s.putExecutor(tx, executor)
	})
}

// CheckpointForkedPid records the forked pid of a run. This MUST be
// called before the pid is checkpointed to the runtime directory.
func (s *Store) CheckpointForkedPid(frameworkID, executorID string, id types.ContainerID, pid int) error {
	return s.updateRun(frameworkID, executorID, id, func(run *RunState) {
		run.ForkedPid = &pid
	})
}

// MarkCompleted flags a run as completed so recovery skips it.
func (s *Store) MarkCompleted(frameworkID, executorID string, id types.ContainerID) error {
	return s.updateRun(frameworkID, executorID, id, func(run *RunState) {
		run.Completed = true
	})
}

func (s *Store) updateRun(frameworkID, executorID string, id types.ContainerID, mutate func(*RunState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		executor, err := s.getExecutor(tx, frameworkID, executorID)
		if err != nil {
			return err
		}
		if executor == nil {
			return fmt.Errorf("unknown executor %q of framework %q", executorID, frameworkID)
		}

		run, ok := executor.Runs[id.String()]
		if !ok {
			return fmt.Errorf("unknown run %s of executor %q", id, executorID)
		}

		mutate(run)
		return s.putExecutor(tx, executor)
	})
}

// AgentState loads the complete checkpointed state for recovery.
func (s *Store) AgentState() (*AgentState, error) {
	agentState := &AgentState{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(k, v []byte) error {
			var executor ExecutorState
			if err := json.Unmarshal(v, &executor); err != nil {
				return fmt.Errorf("failed to decode executor state %q: %w", k, err)
			}
			agentState.Executors = append(agentState.Executors, &executor)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Deterministic ordering keeps recovery logs stable.
	sort.Slice(agentState.Executors, func(i, j int) bool {
		if agentState.Executors[i].FrameworkID != agentState.Executors[j].FrameworkID {
			return agentState.Executors[i].FrameworkID < agentState.Executors[j].FrameworkID
		}
		return agentState.Executors[i].ExecutorID < agentState.Executors[j].ExecutorID
	})

	return agentState, nil
}
