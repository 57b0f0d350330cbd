package posix

import (
	"fmt"

	"github.com/shirou/gopsutil/process"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/isolator"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	isolator.MustRegister("posix/cpu", func(cfg *config.Config) (isolator.Isolator, error) {
		return NewCPUIsolator(), nil
	})
}

// CPUIsolator reports cpu time of the container's entry process.
type CPUIsolator struct {
	*base
}

// NewCPUIsolator returns the posix/cpu isolator.
func NewCPUIsolator() *CPUIsolator {
	return &CPUIsolator{base: newBase("posix/cpu")}
}

// Usage samples cumulative user and system cpu time.
func (i *CPUIsolator) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	pid, ok := i.pid(id)
	if !ok {
		return types.ResourceStatistics{}, fmt.Errorf("unknown container %s", id)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return types.ResourceStatistics{}, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	times, err := proc.Times()
	if err != nil {
		return types.ResourceStatistics{}, fmt.Errorf("failed to read cpu times of process %d: %w", pid, err)
	}

	return types.ResourceStatistics{
		Timestamp:          now(),
		CPUsUserTimeSecs:   times.User,
		CPUsSystemTimeSecs: times.System,
		CPUsLimit:          i.limitFor(id).CPUs,
	}, nil
}
