package probe

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/portal-health/pkg/types"
)

// Process metrics selectable with the "metric" parameter.
const (
	ProcessRSS        = "rss_mb"
	ProcessCPU        = "cpu_percent"
	ProcessMemPercent = "memory_percent"
	ProcessGoroutines = "goroutines"
)

// ProcessProbe reports metrics of the monitor's own process.
type ProcessProbe struct {
	pid int32
}

// NewProcessProbe creates a probe for the current process.
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{pid: int32(os.Getpid())}
}

func (p *ProcessProbe) Name() string          { return "process" }
func (p *ProcessProbe) Kind() types.ProbeKind { return types.KindResource }

// Execute reads the metric named by the "metric" parameter (default rss_mb).
func (p *ProcessProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		metric := desc.Param("metric", ProcessRSS)
		if metric == ProcessGoroutines {
			return types.Reading{Value: float64(runtime.NumGoroutine())}, nil
		}

		proc, err := process.NewProcessWithContext(ctx, p.pid)
		if err != nil {
			return types.Reading{}, fmt.Errorf("opening process %d: %w", p.pid, err)
		}

		switch metric {
		case ProcessRSS:
			info, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return types.Reading{}, fmt.Errorf("reading memory info: %w", err)
			}
			return types.Reading{
				Value:  round(float64(info.RSS)/(1024*1024), 1),
				Detail: humanize.IBytes(info.RSS) + " resident",
			}, nil
		case ProcessCPU:
			pct, err := proc.CPUPercentWithContext(ctx)
			if err != nil {
				return types.Reading{}, fmt.Errorf("reading cpu percent: %w", err)
			}
			return types.Reading{Value: round(pct, 1)}, nil
		case ProcessMemPercent:
			pct, err := proc.MemoryPercentWithContext(ctx)
			if err != nil {
				return types.Reading{}, fmt.Errorf("reading memory percent: %w", err)
			}
			return types.Reading{Value: round(float64(pct), 1)}, nil
		default:
			return types.Reading{}, fmt.Errorf("unknown process metric %q", metric)
		}
	})
}
