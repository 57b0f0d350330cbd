package posix

import (
	"fmt"

	"github.com/shirou/gopsutil/process"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/isolator"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	isolator.MustRegister("posix/mem", func(cfg *config.Config) (isolator.Isolator, error) {
		return NewMemIsolator(), nil
	})
}

// MemIsolator reports resident memory of the container's entry process.
type MemIsolator struct {
	*base
}

// NewMemIsolator returns the posix/mem isolator.
func NewMemIsolator() *MemIsolator {
	return &MemIsolator{base: newBase("posix/mem")}
}

// Usage samples resident set size.
func (i *MemIsolator) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	pid, ok := i.pid(id)
	if !ok {
		return types.ResourceStatistics{}, fmt.Errorf("unknown container %s", id)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return types.ResourceStatistics{}, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return types.ResourceStatistics{}, fmt.Errorf("failed to read memory info of process %d: %w", pid, err)
	}

	return types.ResourceStatistics{
		Timestamp:     now(),
		MemRSSBytes:   int64(mem.RSS),
		MemLimitBytes: i.limitFor(id).MemBytes,
	}, nil
}
