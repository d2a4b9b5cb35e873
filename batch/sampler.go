package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Resources are utilization percentages in [0, 100].
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	DiskIO float64 `json:"disk_io"`
}

type Sampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// StaticSampler always reports the same utilization.
type StaticSampler struct {
	Resources Resources
}

func (s StaticSampler) Sample(context.Context) (Resources, error) {
	return s.Resources, nil
}

// SystemSampler reads host utilization. Disk I/O is the busiest device's share of
// wall time spent doing I/O since the previous sample.
type SystemSampler struct {
	mu     sync.Mutex
	ioTime map[string]uint64
	at     time.Time
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

var _ Sampler = (*SystemSampler)(nil)

func (s *SystemSampler) Sample(ctx context.Context) (Resources, error) {
	var r Resources

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return r, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(pct) > 0 {
		r.CPU = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("failed to sample memory: %w", err)
	}
	r.Memory = vm.UsedPercent

	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		// not every platform exposes disk counters
		return r, nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioTime != nil {
		elapsed := now.Sub(s.at).Milliseconds()
		if elapsed > 0 {
			for name, c := range counters {
				prev, ok := s.ioTime[name]
				if !ok || c.IoTime < prev {
					continue
				}
				busy := float64(c.IoTime-prev) / float64(elapsed) * 100
				r.DiskIO = max(r.DiskIO, min(busy, 100))
			}
		}
	}
	s.ioTime = make(map[string]uint64, len(counters))
	for name, c := range counters {
		s.ioTime[name] = c.IoTime
	}
	s.at = now
	return r, nil
}
