package containerizer

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// Recover reconciles checkpointed state with whatever survived the
// agent restart. It runs once, before any launch is served: executor
// runs from the agent metadata seed the table, the runtime directory
// scan adds containers the agent never knew, the collaborators recover
// their own state, and every container left without an owner is
// destroyed as an orphan.
func (c *Containerizer) Recover(agentState *state.AgentState) error {
	c.logc.Info().Msg("recovering containerizer")

	// Candidate runs from the agent state: only the latest run of each
	// executor, only if its pid was checkpointed and its run directory
	// still exists.
	var recoverable []types.ContainerSnapshot

	if agentState != nil {
		for _, executor := range agentState.Executors {
			logger := c.logc.With().
				Str("executor_id", executor.ExecutorID).
				Str("framework_id", executor.FrameworkID).
				Logger()

			if executor.Info == nil {
				logger.Warn().Msg("skipping recovery of executor because its info could not be recovered")
				continue
			}

			run := executor.LatestRun()
			if run == nil {
				logger.Warn().Msg("skipping recovery of executor because its latest run could not be recovered")
				continue
			}

			// Without a pid the reaper has nothing to monitor, so the
			// run is skipped and its container is not recovered; Wait
			// on it returns no termination.
			if run.ForkedPid == nil {
				continue
			}

			if run.Completed {
				logger.Debug().Msg("skipping recovery of executor because its latest run is completed")
				continue
			}

			if executor.Info.Container != nil &&
				executor.Info.Container.Type != types.ContainerTypeNative {
				logger.Info().Msg("skipping recovery of executor because it was not launched by this containerizer")
				continue
			}

			if _, err := os.Stat(run.Directory); err != nil {
				logger.Warn().Str("directory", run.Directory).
					Msg("skipping recovery of executor because its run directory is gone")
				continue
			}

			logger.Info().Str("container_id", run.ID.String()).Msg("recovering container")

			recoverable = append(recoverable, types.ContainerSnapshot{
				ID:           run.ID,
				PID:          *run.ForkedPid,
				Directory:    run.Directory,
				ExecutorInfo: executor.Info,
			})
		}
	}

	// Seed the table from the recoverable runs. Pids were checkpointed
	// only after a successful fork, so these containers were running.
	alive := make(map[string]struct{}, len(recoverable))
	for _, snapshot := range recoverable {
		alive[snapshot.ID.String()] = struct{}{}

		ct := newContainer(snapshot.ID)
		ct.state = types.StateRunning
		ct.pid = snapshot.PID
		ct.directory = snapshot.Directory
		ct.checkpointed = true
		ct.config = types.ContainerConfig{
			ExecutorInfo: snapshot.ExecutorInfo,
			CommandInfo:  snapshot.ExecutorInfo.Command,
			Directory:    snapshot.Directory,
		}
		ct.status = c.reap(snapshot.ID, snapshot.PID)

		c.mu.Lock()
		c.insert(ct)
		c.mu.Unlock()
	}

	// Scan the runtime directory for containers the agent state does
	// not cover, nested containers included.
	containerIDs, err := paths.ContainerIDs(c.cfg.RuntimeDir)
	if err != nil {
		return fmt.Errorf("failed to get container ids from the runtime directory: %w", err)
	}

	var orphans []types.ContainerID

	for _, id := range containerIDs {
		c.mu.Lock()
		_, known := c.containers[id.String()]
		c.mu.Unlock()
		if known {
			continue
		}

		// A checkpointed termination marks a nested container that was
		// already destroyed; its directory lives on until the root
		// goes.
		termination, err := paths.ContainerTermination(c.cfg.RuntimeDir, id)
		if err != nil {
			return err
		}
		if termination != nil {
			continue
		}

		// The pid file may be missing if the agent died between fork
		// and checkpoint; the meta-first checkpoint order guarantees
		// such a container is safe to orphan.
		pid, hasPid, err := paths.ContainerPid(c.cfg.RuntimeDir, id)
		if err != nil {
			return fmt.Errorf("failed to get container pid: %w", err)
		}

		directory := ""
		rootAlive := false
		if id.HasParent() {
			c.mu.Lock()
			if root, ok := c.containers[id.Root().String()]; ok && root.directory != "" {
				directory = paths.SandboxPath(root.directory, id)
			}
			c.mu.Unlock()
			_, rootAlive = alive[id.Root().String()]
		}

		ct := newContainer(id)
		ct.state = types.StateRunning
		ct.directory = directory
		if hasPid {
			ct.pid = pid
			ct.status = c.reap(id, pid)
		} else {
			// The child, if it ever existed, terminates itself on the
			// closed sync pipe; there is no status to reap.
			ct.status = settledFuture[*int](nil)
		}

		c.mu.Lock()
		c.insert(ct)
		c.mu.Unlock()

		// A live nested container under a recovered root keeps
		// running; everything else is an orphan.
		if id.HasParent() && rootAlive && hasPid {
			recoverable = append(recoverable, types.ContainerSnapshot{
				ID:        id,
				PID:       pid,
				Directory: directory,
			})
			continue
		}

		orphans = append(orphans, id)
	}

	// The launcher gets the orphans too so destroying them can kill
	// their process groups.
	launcherStates := append([]types.ContainerSnapshot(nil), recoverable...)
	for _, orphan := range orphans {
		c.mu.Lock()
		ct := c.containers[orphan.String()]
		c.mu.Unlock()
		if ct != nil && ct.pid != 0 {
			launcherStates = append(launcherStates, types.ContainerSnapshot{
				ID:        orphan,
				PID:       ct.pid,
				Directory: ct.directory,
			})
		}
	}

	extraOrphans, err := c.launcher.Recover(launcherStates)
	if err != nil {
		return fmt.Errorf("failed to recover launcher: %w", err)
	}

	// Processes the launcher knows about but the table does not.
	for _, id := range extraOrphans {
		c.mu.Lock()
		_, known := c.containers[id.String()]
		c.mu.Unlock()
		if known {
			continue
		}

		ct := newContainer(id)
		ct.state = types.StateRunning
		ct.status = settledFuture[*int](nil)

		c.mu.Lock()
		c.insert(ct)
		c.mu.Unlock()

		orphans = append(orphans, id)
	}

	// Isolators recover before the provisioner so their cleanups of
	// unknown containers come first. Nesting-unaware isolators never
	// see nested entries.
	for _, iso := range c.isolators {
		recoverableForIsolator := recoverable
		orphansForIsolator := orphans

		if !iso.SupportsNesting() {
			recoverableForIsolator = nil
			for _, snapshot := range recoverable {
				if !snapshot.ID.HasParent() {
					recoverableForIsolator = append(recoverableForIsolator, snapshot)
				}
			}
			orphansForIsolator = nil
			for _, orphan := range orphans {
				if !orphan.HasParent() {
					orphansForIsolator = append(orphansForIsolator, orphan)
				}
			}
		}

		if err := iso.Recover(recoverableForIsolator, orphansForIsolator); err != nil {
			return fmt.Errorf("failed to recover isolator %q: %w", iso.Name(), err)
		}
	}

	// The provisioner needs every container we now know about.
	c.mu.Lock()
	knownIDs := make([]types.ContainerID, 0, len(c.containers))
	for _, ct := range c.containers {
		knownIDs = append(knownIDs, ct.id)
	}
	c.mu.Unlock()

	if err := c.prov.Recover(knownIDs); err != nil {
		return fmt.Errorf("failed to recover provisioner: %w", err)
	}

	// Re-attach the logger and the limitation watchers of recovered
	// containers.
	for _, snapshot := range recoverable {
		if !snapshot.ID.HasParent() && snapshot.ExecutorInfo != nil {
			if err := c.logger.Recover(snapshot.ExecutorInfo, snapshot.Directory); err != nil {
				c.logc.Warn().Err(err).
					Str("container_id", snapshot.ID.String()).
					Msg("container logger failed to recover executor")
			}
		}

		c.watchLimitations(snapshot.ID)
	}

	// Rebuild the parent/child links before any reaped-exit handler
	// can fire: destroy relies on the children set to tear the tree
	// down bottom-up.
	c.mu.Lock()
	type monitored struct {
		id     types.ContainerID
		status *future[*int]
	}
	var monitors []monitored
	for _, ct := range c.containers {
		if ct.id.HasParent() {
			if parent, ok := c.containers[ct.id.Parent.String()]; ok {
				parent.children[ct.id.String()] = ct.id
			}
		}
		monitors = append(monitors, monitored{id: ct.id, status: ct.status})
	}
	c.mu.Unlock()

	for _, m := range monitors {
		c.monitor(m.id, m.status)
	}

	// Orphans go through the regular destruction pipeline.
	for _, id := range orphans {
		c.logc.Info().Str("container_id", id.String()).Msg("cleaning up orphan container")
		c.destroy(id)
	}

	return nil
}
