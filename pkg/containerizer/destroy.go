package containerizer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/types"
)

// launcherDestroyTimeout bounds how long the launcher may take to kill
// every process of a container.
const launcherDestroyTimeout = 60 * time.Second

// Destroy tears a container down from whatever state it is in and
// blocks until its termination resolves. Destroying an unknown
// container returns false; destroying a container twice returns the
// same termination. Redundant destroys are expected: launch failures,
// reaped executors and the agent can all race to destroy the same
// container.
func (c *Containerizer) Destroy(id types.ContainerID) (bool, error) {
	termination, known := c.destroy(id)
	if !known {
		return false, nil
	}

	if _, err := termination.wait(); err != nil {
		return false, err
	}
	return true, nil
}

// destroy starts (or joins) the destruction of a container and returns
// its termination future. The second return value reports whether the
// container was known.
func (c *Containerizer) destroy(id types.ContainerID) (*future[types.ContainerTermination], bool) {
	c.mu.Lock()
	ct, ok := c.containers[id.String()]
	if !ok {
		c.mu.Unlock()
		c.logc.Warn().Str("container_id", id.String()).
			Msg("attempted to destroy unknown container")
		return nil, false
	}

	if ct.state == types.StateDestroying {
		termination := ct.termination
		c.mu.Unlock()
		return termination, true
	}

	c.logc.Info().
		Str("container_id", id.String()).
		Str("state", ct.state.String()).
		Msg("destroying container")

	// The previous state decides how much of the pipeline has to be
	// unwound.
	previousState := ct.state
	c.setState(ct, types.StateDestroying)

	children := make([]types.ContainerID, 0, len(ct.children))
	for _, child := range ct.children {
		children = append(children, child)
	}
	termination := ct.termination
	c.mu.Unlock()

	go func() {
		started := time.Now()

		// Children go first, recursively. Waiting collects every
		// outcome rather than failing early.
		var childErrors []string
		for _, child := range children {
			childTermination, known := c.destroy(child)
			if !known {
				continue
			}
			if _, err := childTermination.wait(); err != nil {
				childErrors = append(childErrors, err.Error())
			}
		}

		if len(childErrors) > 0 {
			c.failTermination(ct, fmt.Errorf(
				"failed to destroy nested containers: %s", strings.Join(childErrors, "; ")))
			return
		}

		c.unwind(ct, previousState)
		metrics.ContainerDestroyDuration.Observe(time.Since(started).Seconds())
	}()

	return termination, true
}

// unwind tears down a container based on how far its launch pipeline
// got.
func (c *Containerizer) unwind(ct *container, previousState types.ContainerState) {
	switch previousState {
	case types.StateProvisioning:
		// Wait for the provisioner to settle, then skip isolator
		// cleanup entirely: no isolator has prepared this container.
		if ct.provisioning != nil {
			ct.provisioning.wait()
		}
		c.finish(ct)
		return

	case types.StatePreparing:
		// Wait for the isolators to finish preparing so cleanup never
		// overtakes a prepare in flight. The launcher may already have
		// forked; since the state is now DESTROYING the pipeline will
		// fail and close the sync pipe, terminating the child, so wait
		// for the exit status too when a fork happened.
		ct.launchInfos.wait()

		c.mu.Lock()
		status := ct.status
		c.mu.Unlock()
		if status != nil {
			status.wait()
		}

		c.cleanupAndFinish(ct)
		return

	case types.StateIsolating:
		// Wait for the isolators to finish isolating before killing
		// anything.
		ct.isolation.wait()

	case types.StateFetching:
		c.fetcher.Kill(ct.id)

	case types.StateRunning:
	}

	// Kill every process in the container.
	ctx, cancel := context.WithTimeout(context.Background(), launcherDestroyTimeout)
	err := c.launcher.Destroy(ctx, ct.id)
	cancel()

	if err != nil {
		// The processes may still be alive; cleaning up the isolators
		// now would be unsafe, so stop and report.
		c.failTermination(ct, fmt.Errorf(
			"failed to kill all processes in the container: %w", err))
		return
	}

	// Every process is gone; wait for the reaped exit status.
	c.mu.Lock()
	status := ct.status
	c.mu.Unlock()
	if status != nil {
		status.wait()
	}

	c.cleanupAndFinish(ct)
}

// cleanupAndFinish runs isolator cleanup in reverse declared order and
// completes the destroy.
func (c *Containerizer) cleanupAndFinish(ct *container) {
	isolators := c.applicableIsolators(ct.id)

	// Reverse of the order their prepares ran; every cleanup runs even
	// if an earlier one failed.
	var cleanupErrors []string
	for i := len(isolators) - 1; i >= 0; i-- {
		if err := isolators[i].Cleanup(ct.id); err != nil {
			cleanupErrors = append(cleanupErrors, err.Error())
		}
	}

	if len(cleanupErrors) > 0 {
		c.failTermination(ct, fmt.Errorf(
			"failed to clean up an isolator when destroying container: %s",
			strings.Join(cleanupErrors, "; ")))
		return
	}

	c.finish(ct)
}

// finish destroys the provisioned rootfs, composes the termination
// record, cleans up the runtime directory and removes the container
// from the table.
func (c *Containerizer) finish(ct *container) {
	ctx, cancel := context.WithTimeout(context.Background(), launcherDestroyTimeout)
	_, err := c.prov.Destroy(ctx, ct.id)
	cancel()

	if err != nil {
		c.failTermination(ct, fmt.Errorf(
			"failed to destroy the provisioned rootfs when destroying container: %w", err))
		return
	}

	var termination types.ContainerTermination

	c.mu.Lock()
	status := ct.status
	limitations := ct.limitations
	c.mu.Unlock()

	if status != nil && status.settled() {
		if exitStatus, err := status.wait(); err == nil && exitStatus != nil {
			s := *exitStatus
			termination.ExitStatus = &s
		}
	}

	// A limitation may arrive too late to be recorded, e.g. when an
	// OOM kill already triggered destroy through the reaper.
	if len(limitations) > 0 {
		termination.State = types.TaskFailed

		var messages []string
		for _, limitation := range limitations {
			messages = append(messages, limitation.Message)
			if limitation.Reason != "" {
				termination.Reasons = append(termination.Reasons, limitation.Reason)
			}
		}
		termination.Message = strings.Join(messages, "; ")
	}

	// Nested containers keep their runtime directory (with a
	// checkpointed termination) until the root is destroyed; removing
	// a top-level runtime directory removes the whole subtree.
	runtimePath := paths.RuntimePath(c.cfg.RuntimeDir, ct.id)

	if ct.id.HasParent() {
		c.logc.Info().
			Str("container_id", ct.id.String()).
			Str("path", runtimePath).
			Msg("checkpointing termination state to nested container's runtime directory")

		if err := paths.CheckpointTermination(c.cfg.RuntimeDir, ct.id, termination); err != nil {
			c.logc.Error().Err(err).
				Str("container_id", ct.id.String()).
				Msg("failed to checkpoint nested container's termination state")
		}
	} else if _, err := os.Stat(runtimePath); err == nil {
		if err := os.RemoveAll(runtimePath); err != nil {
			c.logc.Warn().Err(err).
				Str("container_id", ct.id.String()).
				Msg("failed to remove the runtime directory")
		}
	}

	// Mark the checkpointed run completed so recovery skips it.
	if ct.checkpointed && c.meta != nil && ct.config.ExecutorInfo != nil {
		if err := c.meta.MarkCompleted(
			ct.config.ExecutorInfo.FrameworkID, ct.config.ExecutorInfo.ID, ct.id); err != nil {
			c.logc.Warn().Err(err).
				Str("container_id", ct.id.String()).
				Msg("failed to mark checkpointed run completed")
		}
	}

	c.mu.Lock()
	c.remove(ct)
	c.mu.Unlock()

	ct.termination.set(termination)
}

// failTermination fails the container's termination and counts the
// destroy error. The record stays in the table; a later destroy joins
// the same failed termination.
func (c *Containerizer) failTermination(ct *container, err error) {
	c.logc.Error().Err(err).
		Str("container_id", ct.id.String()).
		Msg("failed to destroy container")

	ct.termination.fail(err)
	metrics.ContainerDestroyErrors.Inc()
}
