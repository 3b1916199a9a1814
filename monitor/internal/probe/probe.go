// Package probe defines the measurement interface and the built-in probes.
//
// # Design Principles
//
// 1. Interface Segregation: a probe only knows how to take one reading
// 2. Bounded: Execute never blocks past the context deadline
// 3. Contained: failures (errors, timeouts, panics) become failed readings,
// never errors or panics in the caller
// 4. Graceful Degradation: descriptors are checked against the registry at
// startup, not at refresh time
//
// # Adding New Probes
//
//  1. Create a new file (e.g., smtp.go) implementing the Probe interface
//  2. Wrap the measurement in execute() so it inherits the guarantees above
//  3. Register the probe in NewDefaultRegistry
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/portal-health/pkg/types"
)

// Probe is the interface all measurements implement.
type Probe interface {
	// Name returns the unique identifier used by descriptors (e.g., "cpu").
	Name() string

	// Kind returns the descriptor kind this probe serves.
	Kind() types.ProbeKind

	// Execute takes one reading. The deadline of ctx is the probe budget.
	Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading
}

// measureFunc takes a measurement. Returning an error means the probe
// failed; a returned reading is considered completed.
type measureFunc func(ctx context.Context) (types.Reading, error)

// execute runs fn under ctx and converts every failure mode into a failed
// reading. A measurement that ignores ctx is abandoned at the deadline.
func execute(ctx context.Context, name string, fn measureFunc) types.Reading {
	if err := ctx.Err(); err != nil {
		return types.FailedReading(name, fmt.Errorf("probe not started: %w", err))
	}

	done := make(chan types.Reading, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.FailedReading(name, fmt.Errorf("probe panicked: %v", r))
			}
		}()

		reading, err := fn(ctx)
		if err != nil {
			done <- types.FailedReading(name, err)
			return
		}
		reading.ProbeName = name
		reading.OK = true
		if reading.Timestamp.IsZero() {
			reading.Timestamp = time.Now()
		}
		done <- reading
	}()

	select {
	case reading := <-done:
		return reading
	case <-ctx.Done():
		return types.FailedReading(name, fmt.Errorf("probe timed out: %w", ctx.Err()))
	}
}

// elapsedMs returns the duration since start in milliseconds, rounded to
// two decimals.
func elapsedMs(start time.Time) float64 {
	return round(float64(time.Since(start).Microseconds())/1000, 2)
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available probes.
type Registry struct {
	probes map[string]Probe
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		probes: make(map[string]Probe),
	}
}

// Register adds a probe. Registering the same name twice is an error.
func (r *Registry) Register(p Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.probes[name]; exists {
		return fmt.Errorf("probe already registered: %s", name)
	}
	if !p.Kind().Valid() {
		return fmt.Errorf("probe %s declares invalid kind %q", name, p.Kind())
	}
	r.probes[name] = p
	return nil
}

// Get returns a probe by name.
func (r *Registry) Get(name string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	return p, ok
}

// List returns all registered probe names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for n := range r.probes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every descriptor is statically valid, names are
// unique, and each references a registered probe of the same kind.
func (r *Registry) Validate(descs []types.ProbeDescriptor) error {
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate probe name: %s", d.Name)
		}
		seen[d.Name] = true

		p, ok := r.Get(d.Probe)
		if !ok {
			return fmt.Errorf("probe %q: unknown implementation %q", d.Name, d.Probe)
		}
		if p.Kind() != d.Kind {
			return fmt.Errorf("probe %q: implementation %q is %s, descriptor says %s", d.Name, d.Probe, p.Kind(), d.Kind)
		}
	}
	return nil
}

// Close releases resources held by probes (connection pools, clients).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.probes {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing probe %s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Options configures the built-in probes.
type Options struct {
	HTTP   HTTPConfig
	GitHub GitHubConfig
	Logger *slog.Logger
}

// NewDefaultRegistry registers every built-in probe.
func NewDefaultRegistry(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := NewRegistry()
	builtins := []Probe{
		NewCPUProbe(),
		NewMemoryProbe(),
		NewDiskProbe(),
		NewNetworkProbe(),
		NewLoadProbe(),
		NewProcessProbe(),
		NewHTTPProbe(opts.HTTP),
		NewPostgresProbe(opts.Logger),
		NewRedisProbe(),
		NewGitHubProbe(opts.GitHub, opts.Logger),
		NewSyntheticProbe(),
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}

	opts.Logger.Info("probe registry ready", "probes", r.List())
	return r, nil
}
