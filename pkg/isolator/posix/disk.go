package posix

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/isolator"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	isolator.MustRegister("disk/du", func(cfg *config.Config) (isolator.Isolator, error) {
		return NewDiskIsolator(DefaultDiskCheckInterval), nil
	})
}

// DefaultDiskCheckInterval is how often sandbox usage is measured.
const DefaultDiskCheckInterval = 15 * time.Second

// DiskIsolator measures sandbox disk usage by walking the sandbox tree
// and raises a limitation once usage exceeds the container's disk
// allotment.
type DiskIsolator struct {
	*base

	interval time.Duration

	mu      sync.Mutex
	stopped map[string]chan struct{}
}

// NewDiskIsolator returns the disk/du isolator with the given check
// interval.
func NewDiskIsolator(interval time.Duration) *DiskIsolator {
	return &DiskIsolator{
		base:     newBase("disk/du"),
		interval: interval,
		stopped:  make(map[string]chan struct{}),
	}
}

// Isolate records the pid and starts the periodic usage check.
func (i *DiskIsolator) Isolate(id types.ContainerID, pid int) error {
	if err := i.base.Isolate(id, pid); err != nil {
		return err
	}

	stop := make(chan struct{})
	i.mu.Lock()
	i.stopped[id.String()] = stop
	i.mu.Unlock()

	go i.check(id, stop)
	return nil
}

func (i *DiskIsolator) check(id types.ContainerID, stop chan struct{}) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			limit := i.limitFor(id).DiskBytes
			if limit <= 0 {
				continue
			}

			dir, ok := i.dir(id)
			if !ok {
				return
			}

			used, err := diskUsage(dir)
			if err != nil {
				continue
			}

			if used > limit {
				i.limit(id, types.ContainerLimitation{
					Resources: types.Resources{DiskBytes: limit},
					Message: fmt.Sprintf(
						"disk usage (%d bytes) exceeds limit (%d bytes) in sandbox %q",
						used, limit, dir),
					Reason: types.ReasonContainerLimitationDisk,
				})
				return
			}
		}
	}
}

// Usage samples the sandbox's current disk consumption.
func (i *DiskIsolator) Usage(id types.ContainerID) (types.ResourceStatistics, error) {
	dir, ok := i.dir(id)
	if !ok {
		return types.ResourceStatistics{}, fmt.Errorf("unknown container %s", id)
	}

	used, err := diskUsage(dir)
	if err != nil {
		return types.ResourceStatistics{}, fmt.Errorf("failed to measure sandbox %q: %w", dir, err)
	}

	return types.ResourceStatistics{
		Timestamp:      now(),
		DiskUsedBytes:  used,
		DiskLimitBytes: i.limitFor(id).DiskBytes,
	}, nil
}

// Cleanup stops the checker before releasing the base bookkeeping.
func (i *DiskIsolator) Cleanup(id types.ContainerID) error {
	i.mu.Lock()
	if stop, ok := i.stopped[id.String()]; ok {
		close(stop)
		delete(i.stopped, id.String())
	}
	i.mu.Unlock()

	return i.base.Cleanup(id)
}

func diskUsage(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Sandbox files may disappear mid-walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
