// Package testutil provides testing utilities and fixtures for the monitor.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for descriptors, readings, snapshots and runs
//   - FakeProbe, a configurable probe for aggregator and server tests
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	desc := testutil.FixtureResourceDescriptor()
//	desc := testutil.FixtureResourceDescriptor(func(d *types.ProbeDescriptor) {
//		d.Name = "Disk Usage"
//		d.Warn = testutil.Ptr(80.0)
//	})
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/portal-health/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// DESCRIPTOR FIXTURES
// =============================================================================

// FixtureResourceDescriptor creates a CPU-style resource descriptor.
func FixtureResourceDescriptor(overrides ...func(*types.ProbeDescriptor)) types.ProbeDescriptor {
	desc := types.ProbeDescriptor{
		Name:    "CPU Usage",
		Kind:    types.KindResource,
		Probe:   "fake",
		Unit:    "%",
		Warn:    Ptr(60.0),
		Crit:    Ptr(80.0),
		Timeout: time.Second,
	}

	for _, override := range overrides {
		override(&desc)
	}

	return desc
}

// FixtureReachabilityDescriptor creates a service ping descriptor.
func FixtureReachabilityDescriptor(overrides ...func(*types.ProbeDescriptor)) types.ProbeDescriptor {
	desc := types.ProbeDescriptor{
		Name:    "Backstage Backend",
		Kind:    types.KindReachability,
		Probe:   "fake_ping",
		Target:  "http://localhost:7007/api/catalog/entities",
		Warn:    Ptr(500.0),
		Crit:    Ptr(1500.0),
		Timeout: time.Second,
	}

	for _, override := range overrides {
		override(&desc)
	}

	return desc
}

// FixtureSyntheticDescriptor creates a fixed-value descriptor.
func FixtureSyntheticDescriptor(overrides ...func(*types.ProbeDescriptor)) types.ProbeDescriptor {
	desc := types.ProbeDescriptor{
		Name:    "CI/CD Pipeline",
		Kind:    types.KindSynthetic,
		Probe:   "synthetic",
		Section: types.SectionServices,
		Value:   150,
	}

	for _, override := range overrides {
		override(&desc)
	}

	return desc
}

// =============================================================================
// READING FIXTURES
// =============================================================================

// FixtureReading creates a completed reading.
func FixtureReading(name string, value float64, overrides ...func(*types.Reading)) types.Reading {
	reading := types.Reading{
		ProbeName: name,
		Value:     value,
		Timestamp: time.Now(),
		OK:        true,
	}

	for _, override := range overrides {
		override(&reading)
	}

	return reading
}

// FixtureReadingFailed creates a failed reading.
func FixtureReadingFailed(name string, overrides ...func(*types.Reading)) types.Reading {
	reading := types.FailedReading(name, fmt.Errorf("connection refused"))

	for _, override := range overrides {
		override(&reading)
	}

	return reading
}

// =============================================================================
// SNAPSHOT FIXTURES
// =============================================================================

// FixtureSnapshot creates a published-looking snapshot with one metric and
// one service.
func FixtureSnapshot(overrides ...func(*types.Snapshot)) *types.Snapshot {
	now := time.Now()
	snap := &types.Snapshot{
		Sequence:    1,
		GeneratedAt: now,
		Metrics: []types.MetricResult{
			{Name: "CPU Usage", Value: 42.5, Unit: "%", Status: types.StatusHealthy},
		},
		Services: []types.ServiceResult{
			{Name: "Backstage Backend", Status: types.StatusHealthy, ResponseTimeMs: 12.3, UptimeRatio: 1},
		},
		Classes: []types.ClassStamp{{Name: "default", GeneratedAt: now}},
	}

	for _, override := range overrides {
		override(snap)
	}

	return snap
}

// FixtureRefreshRun creates a successful refresh run record.
func FixtureRefreshRun(class string, overrides ...func(*types.RefreshRun)) *types.RefreshRun {
	run := &types.RefreshRun{
		ID:         uuid.New().String(),
		Class:      class,
		Sequence:   1,
		StartedAt:  time.Now().Add(-time.Second),
		Duration:   120 * time.Millisecond,
		Reported:   4,
		Total:      4,
		Trigger:    "timer",
		Successful: true,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// =============================================================================
// FAKE PROBE
// =============================================================================

// FakeProbe is a configurable probe. Unlike the built-in probes it does not
// guard against its own misbehaviour, so tests can exercise the callers'
// containment.
type FakeProbe struct {
	ProbeName  string
	ProbeKind  types.ProbeKind
	Value      float64
	Values     map[string]float64 // per descriptor name, overrides Value
	StatusCode int
	Degraded   bool
	Delay      time.Duration // respects ctx
	Fail       error
	Panic      bool
	Hang       <-chan struct{} // blocks until closed, ignoring ctx

	calls atomic.Int64
}

func (f *FakeProbe) Name() string { return f.ProbeName }

func (f *FakeProbe) Kind() types.ProbeKind {
	if f.ProbeKind == "" {
		return types.KindResource
	}
	return f.ProbeKind
}

// Execute returns the configured reading.
func (f *FakeProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	f.calls.Add(1)

	if f.Panic {
		panic("fake probe panic")
	}
	if f.Hang != nil {
		<-f.Hang
	}
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.FailedReading(desc.Name, ctx.Err())
		case <-timer.C:
		}
	}
	if f.Fail != nil {
		return types.FailedReading(desc.Name, f.Fail)
	}

	value := f.Value
	if v, ok := f.Values[desc.Name]; ok {
		value = v
	}
	return types.Reading{
		ProbeName:  desc.Name,
		Value:      value,
		Timestamp:  time.Now(),
		OK:         true,
		StatusCode: f.StatusCode,
		Degraded:   f.Degraded,
	}
}

// Calls returns how many times Execute was invoked.
func (f *FakeProbe) Calls() int {
	return int(f.calls.Load())
}

// =============================================================================
// HELPERS
// =============================================================================

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
