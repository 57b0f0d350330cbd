package types

import (
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerID identifies a container on the node. IDs are hierarchical:
// a nested container carries a pointer to its parent, and the transitive
// closure of parents ends at a top-level container.
type ContainerID struct {
	Value  string       `json:"value"`
	Parent *ContainerID `json:"parent,omitempty"`
}

// NewContainerID returns a top-level container ID.
func NewContainerID(value string) ContainerID {
	return ContainerID{Value: value}
}

// NewNestedContainerID returns a child ID of the given parent.
func NewNestedContainerID(parent ContainerID, value string) ContainerID {
	p := parent
	return ContainerID{Value: value, Parent: &p}
}

// HasParent reports whether the ID belongs to a nested container.
func (id ContainerID) HasParent() bool {
	return id.Parent != nil
}

// Root ascends the parent chain and returns the top-level ancestor.
func (id ContainerID) Root() ContainerID {
	root := id
	for root.Parent != nil {
		root = *root.Parent
	}
	return root
}

// Levels returns the ID values from the top-level ancestor down to this
// container.
func (id ContainerID) Levels() []string {
	var levels []string
	for cur := &id; cur != nil; cur = cur.Parent {
		levels = append([]string{cur.Value}, levels...)
	}
	return levels
}

// String renders the ID as its dot-joined ancestry, e.g. "c1.c2".
func (id ContainerID) String() string {
	return strings.Join(id.Levels(), ".")
}

// ContainerState is the lifecycle state of a container owned by the
// containerizer.
type ContainerState int

const (
	StateProvisioning ContainerState = iota
	StatePreparing
	StateIsolating
	StateFetching
	StateRunning
	StateDestroying
)

func (s ContainerState) String() string {
	switch s {
	case StateProvisioning:
		return "PROVISIONING"
	case StatePreparing:
		return "PREPARING"
	case StateIsolating:
		return "ISOLATING"
	case StateFetching:
		return "FETCHING"
	case StateRunning:
		return "RUNNING"
	case StateDestroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// URI describes an artifact to fetch into the sandbox before exec.
type URI struct {
	Value      string `json:"value"`
	Executable bool   `json:"executable,omitempty"`
	Extract    bool   `json:"extract,omitempty"`
	Cache      bool   `json:"cache,omitempty"`
	OutputFile string `json:"output_file,omitempty"`
}

// CommandInfo describes the command a container runs, along with the
// artifacts and environment it needs.
type CommandInfo struct {
	URIs        []URI             `json:"uris,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Shell       bool              `json:"shell,omitempty"`
	Value       string            `json:"value,omitempty"`
	Arguments   []string          `json:"arguments,omitempty"`
	User        string            `json:"user,omitempty"`
}

// Merge overlays other onto c: scalar fields overwrite when set in other,
// repeated fields append. Isolators returning command fragments bear the
// burden of producing a valid merged command.
func (c *CommandInfo) Merge(other CommandInfo) {
	if other.Value != "" {
		c.Value = other.Value
		c.Shell = other.Shell
	}
	if other.User != "" {
		c.User = other.User
	}
	c.URIs = append(c.URIs, other.URIs...)
	c.Arguments = append(c.Arguments, other.Arguments...)
	if other.Environment != nil {
		if c.Environment == nil {
			c.Environment = make(map[string]string, len(other.Environment))
		}
		for name, value := range other.Environment {
			c.Environment[name] = value
		}
	}
}

// ImageType selects the image format a container descriptor references.
type ImageType string

const (
	ImageTypeDocker ImageType = "docker"
	ImageTypeAppc   ImageType = "appc"
)

// Image describes a container image to be provisioned into a root
// filesystem.
type Image struct {
	Type   ImageType    `json:"type"`
	Docker *DockerImage `json:"docker,omitempty"`
	Appc   *AppcImage   `json:"appc,omitempty"`
}

// DockerImage references an image in a Docker registry.
type DockerImage struct {
	Name string `json:"name"`
}

// AppcImage references an image in the Appc format.
type AppcImage struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// ContainerType distinguishes containers this engine owns from containers
// delegated to other containerizers.
type ContainerType string

const (
	// ContainerTypeNative is handled by this engine.
	ContainerTypeNative ContainerType = "native"

	// ContainerTypeDocker is delegated to an external Docker engine.
	ContainerTypeDocker ContainerType = "docker"
)

// ContainerInfo is the container descriptor attached to a task or
// executor.
type ContainerInfo struct {
	Type  ContainerType `json:"type"`
	Image *Image        `json:"image,omitempty"`
}

// Resources is a container's resource allotment.
type Resources struct {
	CPUs      float64 `json:"cpus,omitempty"`
	MemBytes  int64   `json:"mem_bytes,omitempty"`
	DiskBytes int64   `json:"disk_bytes,omitempty"`
}

// TaskInfo describes a command task launched through an executor.
type TaskInfo struct {
	Name      string         `json:"name,omitempty"`
	ID        string         `json:"id"`
	Command   *CommandInfo   `json:"command,omitempty"`
	Container *ContainerInfo `json:"container,omitempty"`
	Resources Resources      `json:"resources,omitempty"`
}

// ExecutorInfo describes the executor a top-level container hosts.
type ExecutorInfo struct {
	ID          string         `json:"id"`
	FrameworkID string         `json:"framework_id"`
	Command     CommandInfo    `json:"command"`
	Container   *ContainerInfo `json:"container,omitempty"`
	Resources   Resources      `json:"resources,omitempty"`
}

// ContainerConfig is the snapshot of launch configuration a container
// record carries through its pipeline.
type ContainerConfig struct {
	ExecutorInfo  *ExecutorInfo  `json:"executor_info,omitempty"`
	TaskInfo      *TaskInfo      `json:"task_info,omitempty"`
	CommandInfo   CommandInfo    `json:"command_info"`
	ContainerInfo *ContainerInfo `json:"container_info,omitempty"`
	Resources     Resources      `json:"resources,omitempty"`
	Directory     string         `json:"directory"`
	User          string         `json:"user,omitempty"`

	// Filled in from the provisioner when an image is present.
	Rootfs         string          `json:"rootfs,omitempty"`
	DockerManifest *DockerManifest `json:"docker_manifest,omitempty"`
	AppcManifest   *AppcManifest   `json:"appc_manifest,omitempty"`
}

// HasImage reports whether the container descriptor asks for a
// provisioned root filesystem.
func (c *ContainerConfig) HasImage() bool {
	return c.ContainerInfo != nil && c.ContainerInfo.Image != nil
}

// DockerManifest is the image manifest recorded for a Docker-provisioned
// rootfs.
type DockerManifest struct {
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	MediaType     string   `json:"mediaType,omitempty"`
	Digest        string   `json:"digest,omitempty"`
	Layers        []string `json:"layers,omitempty"`
}

// AppcManifest is the image manifest recorded for an Appc-provisioned
// rootfs.
type AppcManifest struct {
	ACKind    string `json:"acKind,omitempty"`
	ACVersion string `json:"acVersion,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ProvisionInfo is the provisioner's result: the materialized rootfs path
// plus the image manifest. At most one manifest may be set.
type ProvisionInfo struct {
	Rootfs         string
	DockerManifest *DockerManifest
	AppcManifest   *AppcManifest
}

// ContainerLaunchInfo is one isolator's contribution to the launch of a
// container.
type ContainerLaunchInfo struct {
	Environment      map[string]string
	Command          *CommandInfo
	WorkingDirectory string
	PreExecCommands  []CommandInfo
	Namespaces       []specs.LinuxNamespaceType
	Capabilities     *CapabilityInfo
}

// CapabilityInfo is a set of Linux capabilities granted to the container
// process.
type CapabilityInfo struct {
	Capabilities []string `json:"capabilities"`
}

// Reason codes attached to a termination when resource limitations were
// observed.
type Reason string

const (
	ReasonContainerLimitation       Reason = "REASON_CONTAINER_LIMITATION"
	ReasonContainerLimitationMemory Reason = "REASON_CONTAINER_LIMITATION_MEMORY"
	ReasonContainerLimitationDisk   Reason = "REASON_CONTAINER_LIMITATION_DISK"
)

// TaskState is the terminal task state surfaced on a termination.
type TaskState string

// TaskFailed marks a termination caused by a resource limitation.
const TaskFailed TaskState = "TASK_FAILED"

// ContainerLimitation is an asynchronous notification from an isolator
// that a resource bound has been violated.
type ContainerLimitation struct {
	Resources Resources `json:"resources,omitempty"`
	Message   string    `json:"message"`
	Reason    Reason    `json:"reason,omitempty"`
}

// ContainerTermination is the final outcome record for a container.
type ContainerTermination struct {
	// ExitStatus is the raw wait status of the container's entry
	// process, absent when it was never known.
	ExitStatus *int      `json:"exit_status,omitempty"`
	State      TaskState `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
	Reasons    []Reason  `json:"reasons,omitempty"`
}

// ResourceStatistics is a point-in-time usage sample aggregated across
// isolators.
type ResourceStatistics struct {
	Timestamp          float64 `json:"timestamp"`
	CPUsUserTimeSecs   float64 `json:"cpus_user_time_secs,omitempty"`
	CPUsSystemTimeSecs float64 `json:"cpus_system_time_secs,omitempty"`
	CPUsLimit          float64 `json:"cpus_limit,omitempty"`
	MemRSSBytes        int64   `json:"mem_rss_bytes,omitempty"`
	MemLimitBytes      int64   `json:"mem_limit_bytes,omitempty"`
	DiskUsedBytes      int64   `json:"disk_used_bytes,omitempty"`
	DiskLimitBytes     int64   `json:"disk_limit_bytes,omitempty"`
}

// Merge folds a partial sample from one isolator into s. Set fields in
// other overwrite, counters accumulate.
func (s *ResourceStatistics) Merge(other ResourceStatistics) {
	if other.Timestamp != 0 {
		s.Timestamp = other.Timestamp
	}
	s.CPUsUserTimeSecs += other.CPUsUserTimeSecs
	s.CPUsSystemTimeSecs += other.CPUsSystemTimeSecs
	if other.CPUsLimit != 0 {
		s.CPUsLimit = other.CPUsLimit
	}
	s.MemRSSBytes += other.MemRSSBytes
	if other.MemLimitBytes != 0 {
		s.MemLimitBytes = other.MemLimitBytes
	}
	s.DiskUsedBytes += other.DiskUsedBytes
	if other.DiskLimitBytes != 0 {
		s.DiskLimitBytes = other.DiskLimitBytes
	}
}

// ContainerStatus is a container's runtime status aggregated across
// isolators and the launcher.
type ContainerStatus struct {
	ExecutorPID int `json:"executor_pid,omitempty"`
}

// Merge folds a partial status from one collaborator into s.
func (s *ContainerStatus) Merge(other ContainerStatus) {
	if other.ExecutorPID != 0 {
		s.ExecutorPID = other.ExecutorPID
	}
}

// ContainerSnapshot is the checkpointed state of a single recoverable
// container run handed to collaborators during recovery.
type ContainerSnapshot struct {
	ID           ContainerID   `json:"id"`
	PID          int           `json:"pid"`
	Directory    string        `json:"directory"`
	ExecutorInfo *ExecutorInfo `json:"executor_info,omitempty"`
}
