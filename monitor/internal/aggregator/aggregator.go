// Package aggregator runs one refresh of a class of probes.
//
// # Run
//
// Every probe of the class is started concurrently. Each gets the smaller
// of its own timeout and the time left before the global deadline. The run
// waits until every probe reported or the deadline (plus a short grace for
// probes that are already returning) has passed, then assembles results in
// declaration order:
//
//  1. Start one goroutine per descriptor
//  2. Collect readings as they arrive, indexed by declaration position
//  3. Stop waiting at the deadline; missing readings become failures
//  4. Check the reporting ratio
//  5. Classify each reading into the metric or service section
//
// A run never returns a partial part: either the ratio holds and every
// descriptor has a result, or the run fails with ErrAggregationFailed.
// Cancelling the caller's context also fails the run, with an error
// wrapping the context's.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/portal-health/monitor/internal/classify"
	"github.com/pilot-net/portal-health/monitor/internal/probe"
	"github.com/pilot-net/portal-health/pkg/types"
)

// ErrAggregationFailed is returned when too few probes reported before the
// deadline.
var ErrAggregationFailed = errors.New("aggregation failed")

const (
	// DefaultDeadline bounds a run whose RunSpec sets no deadline.
	DefaultDeadline = 3 * time.Second

	// DefaultReportGrace is how long the run keeps listening after the
	// deadline for probes that observed the cancellation and are returning.
	DefaultReportGrace = 25 * time.Millisecond
)

// RunSpec describes one refresh of one class.
type RunSpec struct {
	Class    string
	Probes   []types.ProbeDescriptor
	Deadline time.Duration
	// MinReportingRatio is the share of probes that must report (possibly
	// as failed) within the deadline. Zero means 1.0.
	MinReportingRatio float64
}

// Part is the classified output of one successful run.
type Part struct {
	Class       string                `json:"class"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Duration    time.Duration         `json:"durationNs"`
	Metrics     []types.MetricResult  `json:"metrics"`
	Services    []types.ServiceResult `json:"services"`
	Reported    int                   `json:"reported"`
	Total       int                   `json:"total"`
	Failed      int                   `json:"failed"`
}

// Aggregator executes runs against a probe registry.
type Aggregator struct {
	registry *probe.Registry
	grace    time.Duration
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithReportGrace overrides DefaultReportGrace.
func WithReportGrace(d time.Duration) Option {
	return func(a *Aggregator) { a.grace = d }
}

// New creates an aggregator.
func New(registry *probe.Registry, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		registry: registry,
		grace:    DefaultReportGrace,
		logger:   logger.With("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type report struct {
	index   int
	reading types.Reading
}

// Run executes every probe of the RunSpec and returns the classified part.
func (a *Aggregator) Run(ctx context.Context, spec RunSpec) (*Part, error) {
	start := time.Now()
	total := len(spec.Probes)

	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ratio := spec.MinReportingRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runDeadline, _ := runCtx.Deadline()

	// Buffered so abandoned probes never block on send.
	reports := make(chan report, total)
	for i, desc := range spec.Probes {
		go a.runProbe(runCtx, i, desc, reports)
	}

	readings := make([]types.Reading, total)
	received := make([]bool, total)
	reported := 0

	timer := time.NewTimer(time.Until(runDeadline) + a.grace)
	defer timer.Stop()

collect:
	for reported < total {
		select {
		case r := <-reports:
			if !received[r.index] {
				received[r.index] = true
				readings[r.index] = r.reading
				reported++
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	// Readings gathered after the caller gave up are cancellations, not
	// observations of the host.
	if err := ctx.Err(); err != nil {
		a.logger.Debug("refresh run interrupted", "class", spec.Class, "reported", reported, "total", total)
		return nil, fmt.Errorf("class %s: refresh run interrupted: %w", spec.Class, err)
	}

	if total > 0 && float64(reported)/float64(total) < ratio {
		a.logger.Warn("refresh run failed",
			"class", spec.Class,
			"reported", reported,
			"total", total,
			"min_ratio", ratio)
		return nil, fmt.Errorf("%w: class %s: %d of %d probes reported within %s",
			ErrAggregationFailed, spec.Class, reported, total, deadline)
	}

	part := &Part{
		Class:       spec.Class,
		GeneratedAt: time.Now(),
		Metrics:     make([]types.MetricResult, 0, total),
		Services:    make([]types.ServiceResult, 0, total),
		Reported:    reported,
		Total:       total,
	}

	for i, desc := range spec.Probes {
		reading := readings[i]
		if !received[i] {
			reading = types.FailedReading(desc.Name, fmt.Errorf("no report within %s", deadline))
		}
		if !reading.OK {
			part.Failed++
			a.logger.Debug("probe failed", "class", spec.Class, "probe", desc.Name, "error", reading.Error)
		}

		switch desc.ResultSection() {
		case types.SectionServices:
			part.Services = append(part.Services, classify.Service(reading, desc))
		default:
			part.Metrics = append(part.Metrics, classify.Metric(reading, desc))
		}
	}
	part.Duration = time.Since(start)

	a.logger.Debug("refresh run complete",
		"class", spec.Class,
		"reported", reported,
		"failed", part.Failed,
		"duration", part.Duration)

	return part, nil
}

// runProbe executes one descriptor and sends exactly one report.
func (a *Aggregator) runProbe(ctx context.Context, index int, desc types.ProbeDescriptor, out chan<- report) {
	defer func() {
		if r := recover(); r != nil {
			out <- report{index: index, reading: types.FailedReading(desc.Name, fmt.Errorf("probe panicked: %v", r))}
		}
	}()

	p, ok := a.registry.Get(desc.Probe)
	if !ok {
		out <- report{index: index, reading: types.FailedReading(desc.Name, fmt.Errorf("unknown probe %q", desc.Probe))}
		return
	}

	if desc.Timeout > 0 {
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > desc.Timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
			defer cancel()
		}
	}

	reading := p.Execute(ctx, desc)
	if reading.ProbeName == "" {
		reading.ProbeName = desc.Name
	}
	out <- report{index: index, reading: reading}
}
