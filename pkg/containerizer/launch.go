package containerizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	osuser "os/user"
	"strconv"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/launcher"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// Launch starts a top-level container hosting an executor. It returns
// true once the container is running, or false when the container
// descriptor asks for a type this engine does not handle.
//
// Launching walks a fixed pipeline: provision the image (if any), run
// every isolator's prepare in declared order, fork the launch helper,
// isolate the forked process in parallel, fetch the command's
// artifacts, and finally signal the helper to exec. Every stage
// re-checks that the container has not been destroyed in the meantime.
func (c *Containerizer) Launch(id types.ContainerID, task *types.TaskInfo,
	executor types.ExecutorInfo, directory string, user string,
	environment map[string]string, checkpoint bool) (bool, error) {

	if id.HasParent() {
		return false, fmt.Errorf("expected a top-level container id, got %s", id)
	}

	if task != nil && task.Container != nil && task.Container.Type != types.ContainerTypeNative {
		return false, nil
	}
	if executor.Container != nil && executor.Container.Type != types.ContainerTypeNative {
		return false, nil
	}

	c.logc.Info().
		Str("container_id", id.String()).
		Str("executor_id", executor.ID).
		Str("framework_id", executor.FrameworkID).
		Msg("starting container")

	containerConfig := types.ContainerConfig{
		ExecutorInfo: &executor,
		CommandInfo:  executor.Command,
		Resources:    executor.Resources,
		Directory:    directory,
		User:         user,
	}

	if task != nil {
		// Command task case.
		taskCopy := *task
		containerConfig.TaskInfo = &taskCopy

		if task.Container != nil {
			info := *task.Container
			containerConfig.ContainerInfo = &info

			if info.Image != nil {
				// The command executor needs to chroot into the
				// task's rootfs, which requires root.
				containerConfig.CommandInfo.User = "root"
			}
		}
	} else if executor.Container != nil {
		info := *executor.Container
		containerConfig.ContainerInfo = &info
	}

	return c.launch(id, containerConfig, environment, checkpoint)
}

// LaunchNested starts a container nested under an existing container.
// The parent must be live and the root's sandbox known; the nested
// sandbox lives under the root's sandbox tree.
func (c *Containerizer) LaunchNested(id types.ContainerID, command types.CommandInfo,
	containerInfo *types.ContainerInfo, user string) (bool, error) {

	if !id.HasParent() {
		return false, fmt.Errorf("expected a nested container id, got %s", id)
	}

	c.mu.Lock()
	if _, ok := c.containers[id.String()]; ok {
		c.mu.Unlock()
		return false, fmt.Errorf("nested container %s already started", id)
	}
	parent, ok := c.containers[id.Parent.String()]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("parent container %s does not exist", id.Parent)
	}
	if parent.state == types.StateDestroying {
		c.mu.Unlock()
		return false, fmt.Errorf("parent container %s is in 'DESTROYING' state", id.Parent)
	}

	root, ok := c.containers[id.Root().String()]
	if !ok || root.directory == "" {
		c.mu.Unlock()
		return false, fmt.Errorf("unexpected empty sandbox directory for root container %s", id.Root())
	}
	rootDirectory := root.directory
	c.mu.Unlock()

	c.logc.Info().Str("container_id", id.String()).Msg("starting nested container")

	directory := paths.SandboxPath(rootDirectory, id)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return false, fmt.Errorf("failed to create nested sandbox directory %q: %w", directory, err)
	}

	if user != "" {
		c.logc.Info().
			Str("directory", directory).
			Str("user", user).
			Msg("trying to chown sandbox directory")

		if err := chown(directory, user); err != nil {
			// The user may not exist on this node; the launch still
			// proceeds.
			c.logc.Warn().Err(err).
				Str("directory", directory).
				Msg("failed to chown sandbox directory")
		}
	}

	containerConfig := types.ContainerConfig{
		CommandInfo: command,
		Directory:   directory,
		User:        user,
	}
	if containerInfo != nil {
		info := *containerInfo
		containerConfig.ContainerInfo = &info
	}

	return c.launch(id, containerConfig, nil, false)
}

// launch drives the shared pipeline for top-level and nested
// containers.
func (c *Containerizer) launch(id types.ContainerID, containerConfig types.ContainerConfig,
	environment map[string]string, checkpoint bool) (bool, error) {

	started := time.Now()

	// The runtime directory checkpoints engine-internal state for the
	// container; it must exist before anything else happens.
	runtimePath := paths.RuntimePath(c.cfg.RuntimeDir, id)
	if err := os.MkdirAll(runtimePath, 0o755); err != nil {
		return false, fmt.Errorf(
			"failed to make the containerizer runtime directory %q: %w", runtimePath, err)
	}

	ct := newContainer(id)
	ct.config = containerConfig
	ct.resources = containerConfig.Resources
	ct.directory = containerConfig.Directory
	ct.checkpointed = checkpoint
	ct.launchInfos = newFuture[[]*types.ContainerLaunchInfo]()
	if containerConfig.HasImage() {
		ct.provisioning = newFuture[types.ProvisionInfo]()
	}

	c.mu.Lock()
	if _, ok := c.containers[id.String()]; ok {
		c.mu.Unlock()
		if id.HasParent() {
			return false, fmt.Errorf("nested container %s already started", id)
		}
		return false, fmt.Errorf("container already started")
	}
	if id.HasParent() {
		parent, ok := c.containers[id.Parent.String()]
		if !ok || parent.state == types.StateDestroying {
			c.mu.Unlock()
			return false, fmt.Errorf("parent container %s does not exist", id.Parent)
		}
		parent.children[id.String()] = id
	}
	c.insert(ct)
	c.mu.Unlock()

	// Record the run in the agent metadata store before anything can
	// fork, so the forked pid always has a run to attach to.
	if checkpoint && c.meta != nil && containerConfig.ExecutorInfo != nil {
		err := c.meta.CheckpointRun(containerConfig.ExecutorInfo, state.RunState{
			ID:        id,
			Directory: containerConfig.Directory,
		})
		if err != nil {
			ct.launchInfos.fail(err)
			return false, fmt.Errorf("failed to checkpoint executor run: %w", err)
		}
	}

	if ct.provisioning != nil {
		info, err := c.prov.Provision(
			context.Background(), id, *containerConfig.ContainerInfo.Image)
		if err != nil {
			ct.provisioning.fail(err)
			ct.launchInfos.fail(err)
			return false, fmt.Errorf("failed to provision image: %w", err)
		}
		ct.provisioning.set(info)
	}

	if err := c.prepare(ct); err != nil {
		return false, err
	}

	if err := c.forkIsolateAndExec(ct, environment); err != nil {
		return false, err
	}

	metrics.ContainerLaunchDuration.Observe(time.Since(started).Seconds())
	return true, nil
}

// prepare transitions the container to PREPARING and runs every
// applicable isolator's prepare sequentially in declared order, so
// isolators may depend on their predecessors (filesystem first).
func (c *Containerizer) prepare(ct *container) error {
	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		err := fmt.Errorf("container destroyed during provisioning")
		ct.launchInfos.fail(err)
		return err
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		err := fmt.Errorf("container is being destroyed during provisioning")
		ct.launchInfos.fail(err)
		return err
	}

	if ct.provisioning != nil {
		info, _ := ct.provisioning.wait()

		if info.DockerManifest != nil && info.AppcManifest != nil {
			c.mu.Unlock()
			err := fmt.Errorf("container cannot have both Docker and Appc manifests")
			ct.launchInfos.fail(err)
			return err
		}

		ct.config.Rootfs = info.Rootfs
		ct.config.DockerManifest = info.DockerManifest
		ct.config.AppcManifest = info.AppcManifest
	}

	c.setState(ct, types.StatePreparing)
	containerConfig := ct.config
	isolators := c.applicableIsolators(ct.id)
	c.mu.Unlock()

	launchInfos := make([]*types.ContainerLaunchInfo, 0, len(isolators))
	for _, iso := range isolators {
		launchInfo, err := iso.Prepare(ct.id, containerConfig)
		if err != nil {
			err = fmt.Errorf("failed to prepare isolator %q: %w", iso.Name(), err)
			ct.launchInfos.fail(err)
			return err
		}
		launchInfos = append(launchInfos, launchInfo)
	}

	ct.launchInfos.set(launchInfos)
	return nil
}

// forkIsolateAndExec runs the tail of the pipeline: merge the isolator
// contributions, fork the helper, isolate, fetch and signal exec.
func (c *Containerizer) forkIsolateAndExec(ct *container, environment map[string]string) error {
	syncWrite, err := c.fork(ct, environment)
	if err != nil {
		return err
	}
	// Closing the only write end unblocks (and thereby terminates) a
	// helper still waiting for the exec signal.
	defer syncWrite.Close()

	if err := c.isolate(ct); err != nil {
		return err
	}
	if err := c.fetch(ct); err != nil {
		return err
	}
	return c.exec(ct, syncWrite)
}

// fork merges the isolator launch contributions into helper flags and
// forks the launch helper, checkpointing the resulting pid. It returns
// the write end of the sync pipe.
func (c *Containerizer) fork(ct *container, environment map[string]string) (*os.File, error) {
	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("container destroyed during preparing")
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		return nil, fmt.Errorf("container is being destroyed during preparing")
	}
	containerConfig := ct.config
	c.mu.Unlock()

	// The caller-supplied environment is overlaid rather than mutated.
	env := make(map[string]string, len(environment)+1)
	for name, value := range environment {
		env[name] = value
	}

	// The sandbox as seen from inside the container: with a rootfs the
	// sandbox is mounted at a fixed location, without one the host
	// path is visible directly.
	if containerConfig.Rootfs != "" {
		env["BURROW_SANDBOX"] = c.cfg.SandboxDirectory
	} else {
		env["BURROW_SANDBOX"] = containerConfig.Directory
	}

	// A command task keeps the host filesystem for its executor even
	// when the task itself has a rootfs.
	rootfs := ""
	if containerConfig.TaskInfo == nil && containerConfig.Rootfs != "" {
		rootfs = containerConfig.Rootfs
	}

	launchInfos, err := ct.launchInfos.wait()
	if err != nil {
		return nil, err
	}

	var launchCommand *types.CommandInfo
	workingDirectory := ""
	var preExecCommands []types.CommandInfo
	var capabilities *types.CapabilityInfo
	namespaces := make(map[specs.LinuxNamespaceType]struct{})

	for _, launchInfo := range launchInfos {
		if launchInfo == nil {
			continue
		}

		for name, value := range launchInfo.Environment {
			if previous, ok := env[name]; ok {
				c.logc.Debug().
					Str("container_id", ct.id.String()).
					Str("name", name).
					Str("original", previous).
					Str("new", value).
					Msg("overwriting environment variable")
			}
			env[name] = value
		}

		if launchInfo.Command != nil {
			// Merged field-wise; isolators are responsible for the
			// merged command being valid.
			if launchCommand != nil {
				launchCommand.Merge(*launchInfo.Command)
			} else {
				command := *launchInfo.Command
				launchCommand = &command
			}
		}

		if launchInfo.WorkingDirectory != "" {
			if workingDirectory != "" {
				return nil, fmt.Errorf("at most one working directory can be returned from isolators")
			}
			workingDirectory = launchInfo.WorkingDirectory
		}

		preExecCommands = append(preExecCommands, launchInfo.PreExecCommands...)

		for _, namespace := range launchInfo.Namespaces {
			namespaces[namespace] = struct{}{}
		}

		if launchInfo.Capabilities != nil {
			if capabilities != nil {
				return nil, fmt.Errorf("at most one capabilities set can be returned from isolators")
			}
			capabilities = launchInfo.Capabilities
		}
	}

	// Determine the launch command for the container.
	if launchCommand == nil {
		command := containerConfig.CommandInfo
		launchCommand = &command
	}

	// The command executor of a command task with a rootfs performs
	// the pivot itself.
	if containerConfig.TaskInfo != nil && containerConfig.Rootfs != "" {
		launchCommand.Arguments = append(launchCommand.Arguments,
			"--rootfs="+containerConfig.Rootfs)
	}

	// URIs, environment and user of the launch command belong to the
	// outer config, not to the helper.
	commandEnvironment := containerConfig.CommandInfo.Environment
	launchCommand.URIs = nil
	launchCommand.Environment = nil
	launchCommand.User = ""

	for name, value := range commandEnvironment {
		if previous, ok := env[name]; ok {
			c.logc.Debug().
				Str("container_id", ct.id.String()).
				Str("name", name).
				Str("original", previous).
				Str("new", value).
				Msg("overwriting environment variable")
		}
		env[name] = value
	}

	subprocessInfo, err := c.logger.Prepare(containerConfig.ExecutorInfo, containerConfig.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare container logger: %w", err)
	}
	closeSinks := func() {
		if subprocessInfo.Stdout != nil {
			subprocessInfo.Stdout.Close()
		}
		if subprocessInfo.Stderr != nil {
			subprocessInfo.Stderr.Close()
		}
	}

	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		closeSinks()
		return nil, fmt.Errorf("container destroyed during preparing")
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		closeSinks()
		return nil, fmt.Errorf("container is being destroyed during preparing")
	}
	c.mu.Unlock()

	// The sync pipe blocks the helper until isolation is complete. The
	// read end is inherited by the helper as descriptor 3.
	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		closeSinks()
		return nil, fmt.Errorf("failed to create sync pipe: %w", err)
	}

	flags := launcher.LaunchFlags{
		Command:          *launchCommand,
		Rootfs:           rootfs,
		User:             containerConfig.User,
		PreExecCommands:  preExecCommands,
		SyncFD:           3,
		RuntimeDirectory: paths.RuntimePath(c.cfg.RuntimeDir, ct.id),
		Capabilities:     capabilities,
	}

	if rootfs == "" {
		// Sharing the host filesystem, the helper must not cd into an
		// arbitrary directory.
		if workingDirectory != "" {
			c.logc.Warn().
				Str("container_id", ct.id.String()).
				Str("working_directory", workingDirectory).
				Msg("ignoring working directory since the executor is using the host filesystem")
		}
		flags.WorkingDirectory = containerConfig.Directory
	} else if workingDirectory != "" {
		flags.WorkingDirectory = workingDirectory
	} else {
		flags.WorkingDirectory = c.cfg.SandboxDirectory
	}

	encodedFlags, err := json.Marshal(flags)
	if err != nil {
		syncRead.Close()
		syncWrite.Close()
		closeSinks()
		return nil, fmt.Errorf("failed to encode launch flags: %w", err)
	}

	argv := []string{HelperName, "launch", "--flags=" + string(encodedFlags)}

	envList := make([]string, 0, len(env))
	for name, value := range env {
		envList = append(envList, name+"="+value)
	}

	namespaceList := make([]specs.LinuxNamespaceType, 0, len(namespaces))
	for namespace := range namespaces {
		namespaceList = append(namespaceList, namespace)
	}

	pid, err := c.launcher.Fork(ct.id, c.helperPath, argv,
		launcher.Stdio{Stdout: subprocessInfo.Stdout, Stderr: subprocessInfo.Stderr},
		[]*os.File{syncRead}, envList, namespaceList)

	// The forked helper owns its copies now.
	syncRead.Close()
	closeSinks()

	if err != nil {
		syncWrite.Close()
		return nil, fmt.Errorf("failed to fork: %w", err)
	}

	// Checkpoint the forked pid to the agent metadata store FIRST and
	// only then to the runtime directory. A runtime pid without a meta
	// pid therefore always marks a container that is safe to treat as
	// an orphan.
	if ct.checkpointed && c.meta != nil && containerConfig.ExecutorInfo != nil {
		c.logc.Info().
			Str("container_id", ct.id.String()).
			Int("pid", pid).
			Msg("checkpointing container's forked pid")

		err := c.meta.CheckpointForkedPid(
			containerConfig.ExecutorInfo.FrameworkID,
			containerConfig.ExecutorInfo.ID,
			ct.id, pid)
		if err != nil {
			c.logc.Error().Err(err).
				Str("container_id", ct.id.String()).
				Msg("failed to checkpoint container's forked pid")

			syncWrite.Close()
			return nil, fmt.Errorf("could not checkpoint container's pid")
		}
	}

	if err := paths.CheckpointPid(c.cfg.RuntimeDir, ct.id, pid); err != nil {
		syncWrite.Close()
		return nil, fmt.Errorf("failed to checkpoint the container pid: %w", err)
	}

	status := c.reap(ct.id, pid)

	c.mu.Lock()
	ct.pid = pid
	ct.status = status
	c.mu.Unlock()

	c.monitor(ct.id, status)

	return syncWrite, nil
}

// isolate transitions the container to ISOLATING, registers limitation
// watchers and runs every applicable isolator's isolate in parallel.
func (c *Containerizer) isolate(ct *container) error {
	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("container destroyed during preparing")
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		return fmt.Errorf("container is being destroyed during preparing")
	}

	isolation := newFuture[struct{}]()
	ct.isolation = isolation
	c.setState(ct, types.StateIsolating)
	pid := ct.pid
	c.mu.Unlock()

	// Limitation watchers fire the moment an isolator observes a
	// violated bound.
	c.watchLimitations(ct.id)

	isolators := c.applicableIsolators(ct.id)

	var wg sync.WaitGroup
	errs := make([]error, len(isolators))
	for i, iso := range isolators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = iso.Isolate(ct.id, pid)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			isolation.fail(err)
			return err
		}
	}

	isolation.set(struct{}{})
	return nil
}

// fetch transitions the container to FETCHING and downloads the
// command's artifacts into the sandbox.
func (c *Containerizer) fetch(ct *container) error {
	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("container destroyed during isolating")
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		return fmt.Errorf("container is being destroyed during isolating")
	}
	c.setState(ct, types.StateFetching)
	command := ct.config.CommandInfo
	directory := ct.config.Directory
	user := ct.config.User
	c.mu.Unlock()

	if err := c.fetcher.Fetch(context.Background(), ct.id, command, directory, user); err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

// exec signals the helper to run the container command by writing one
// byte to the sync pipe and transitions the container to RUNNING.
func (c *Containerizer) exec(ct *container, syncWrite *os.File) error {
	c.mu.Lock()
	if _, ok := c.containers[ct.id.String()]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("container destroyed during fetching")
	}
	if ct.state == types.StateDestroying {
		c.mu.Unlock()
		return fmt.Errorf("container is being destroyed during fetching")
	}
	c.mu.Unlock()

	for {
		n, err := unix.Write(int(syncWrite.Fd()), []byte{0})
		if err == unix.EINTR {
			continue
		}
		if err != nil || n != 1 {
			return fmt.Errorf("failed to synchronize child process: %v", err)
		}
		break
	}

	c.mu.Lock()
	c.setState(ct, types.StateRunning)
	c.mu.Unlock()

	return nil
}

// chown changes ownership of path to the named user's uid and primary
// gid.
func chown(path, username string) error {
	u, err := osuser.Lookup(username)
	if err != nil {
		return fmt.Errorf("failed to look up user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("failed to parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("failed to parse gid %q: %w", u.Gid, err)
	}

	return os.Chown(path, uid, gid)
}
