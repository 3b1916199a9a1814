package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/pilot-net/portal-health/pkg/types"
)

// SampleFunc reads one host value for a resource probe.
type SampleFunc func(ctx context.Context, desc types.ProbeDescriptor) (float64, error)

// ResourceProbe reports an OS utilization value.
type ResourceProbe struct {
	name   string
	sample SampleFunc
}

// NewResourceProbe creates a resource probe around sample.
func NewResourceProbe(name string, sample SampleFunc) *ResourceProbe {
	return &ResourceProbe{name: name, sample: sample}
}

func (p *ResourceProbe) Name() string          { return p.name }
func (p *ResourceProbe) Kind() types.ProbeKind { return types.KindResource }

// Execute samples the value, rounded to one decimal.
func (p *ResourceProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		v, err := p.sample(ctx, desc)
		if err != nil {
			return types.Reading{}, err
		}
		return types.Reading{Value: round(v, 1)}, nil
	})
}

// NewCPUProbe reports total CPU utilization in percent since the previous
// call.
func NewCPUProbe() *ResourceProbe {
	return NewResourceProbe("cpu", func(ctx context.Context, _ types.ProbeDescriptor) (float64, error) {
		pcts, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, fmt.Errorf("reading cpu percent: %w", err)
		}
		if len(pcts) == 0 {
			return 0, fmt.Errorf("reading cpu percent: no data returned")
		}
		return pcts[0], nil
	})
}

// NewMemoryProbe reports used virtual memory in percent.
func NewMemoryProbe() *ResourceProbe {
	return NewResourceProbe("memory", func(ctx context.Context, _ types.ProbeDescriptor) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading memory stats: %w", err)
		}
		return vm.UsedPercent, nil
	})
}

// NewDiskProbe reports used space of desc.Target (default "/") in percent.
func NewDiskProbe() *ResourceProbe {
	return NewResourceProbe("disk", func(ctx context.Context, desc types.ProbeDescriptor) (float64, error) {
		path := desc.Target
		if path == "" {
			path = "/"
		}
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("reading disk usage of %s: %w", path, err)
		}
		return usage.UsedPercent, nil
	})
}

// NewLoadProbe reports the one-minute load average.
func NewLoadProbe() *ResourceProbe {
	return NewResourceProbe("load", func(ctx context.Context, _ types.ProbeDescriptor) (float64, error) {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading load average: %w", err)
		}
		return avg.Load1, nil
	})
}

// NewNetworkProbe reports combined receive and transmit throughput in MB/s.
func NewNetworkProbe() *ResourceProbe {
	s := &netSampler{
		counters: net.IOCountersWithContext,
		now:      time.Now,
		window:   250 * time.Millisecond,
	}
	return NewResourceProbe("network", s.sample)
}

// netSampler turns cumulative interface counters into a rate. The previous
// sample is kept between refresh cycles; the first call samples twice
// across a short window.
type netSampler struct {
	counters func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error)
	now      func() time.Time
	window   time.Duration

	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
}

func (s *netSampler) read(ctx context.Context) (uint64, time.Time, error) {
	stats, err := s.counters(ctx, false)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading network counters: %w", err)
	}
	if len(stats) == 0 {
		return 0, time.Time{}, fmt.Errorf("reading network counters: no data returned")
	}
	return stats[0].BytesRecv + stats[0].BytesSent, s.now(), nil
}

func (s *netSampler) sample(ctx context.Context, _ types.ProbeDescriptor) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastAt.IsZero() {
		bytes, at, err := s.read(ctx)
		if err != nil {
			return 0, err
		}
		s.lastBytes, s.lastAt = bytes, at

		timer := time.NewTimer(s.window)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	bytes, at, err := s.read(ctx)
	if err != nil {
		return 0, err
	}

	elapsed := at.Sub(s.lastAt).Seconds()
	var delta uint64
	if bytes >= s.lastBytes {
		delta = bytes - s.lastBytes
	}
	s.lastBytes, s.lastAt = bytes, at

	if elapsed <= 0 {
		return 0, nil
	}
	return float64(delta) / 1024 / 1024 / elapsed, nil
}
