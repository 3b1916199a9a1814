// Package snapshot owns the published health snapshot.
//
// # Publication
//
// The server keeps the latest part of every refresh class. Each successful
// refresh replaces its class part and publishes a new Snapshot built from
// all parts: class order first, declaration order within a class. Building
// and installing happen under one mutex, and the install is a
// compare-and-swap of an atomic pointer, so readers never block and never
// see a half-built snapshot.
//
// # Failure Handling
//
//   - A failed refresh leaves the published snapshot and the class part
//     untouched; the failure is recorded in the class status
//   - Concurrent refreshes of one class collapse into a single run
//   - A snapshot restored from the mirror at startup is marked Stale until
//     every restored class has been refreshed by this process
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pilot-net/portal-health/monitor/internal/aggregator"
	"github.com/pilot-net/portal-health/monitor/internal/uptime"
	"github.com/pilot-net/portal-health/pkg/types"
)

var (
	// ErrNotInitialized is returned when no snapshot has been published yet.
	ErrNotInitialized = errors.New("snapshot not initialized")

	// ErrPublishConflict is returned when the published pointer changed
	// outside the publish lock.
	ErrPublishConflict = errors.New("snapshot publish conflict")

	// ErrUnknownClass is returned for a refresh of an unconfigured class.
	ErrUnknownClass = errors.New("unknown refresh class")
)

// Refresh triggers.
const (
	TriggerTimer    = "timer"
	TriggerOnDemand = "on_demand"
)

// Class is one independently refreshed group of probes.
type Class struct {
	Name              string
	Interval          time.Duration // zero disables the background loop
	Deadline          time.Duration
	MinReportingRatio float64
	Probes            []types.ProbeDescriptor
}

// Runner executes one refresh run. *aggregator.Aggregator implements it.
type Runner interface {
	Run(ctx context.Context, spec aggregator.RunSpec) (*aggregator.Part, error)
}

// Mirror persists published state outside the process.
type Mirror interface {
	SaveSnapshot(ctx context.Context, snap *types.Snapshot) error
	SavePart(ctx context.Context, part *aggregator.Part) error
	LoadSnapshot(ctx context.Context) (*types.Snapshot, bool, error)
	LoadParts(ctx context.Context, classes []string) ([]*aggregator.Part, error)
}

// Journal records refresh runs.
type Journal interface {
	RecordRun(ctx context.Context, run *types.RefreshRun) error
}

// Observer is notified of refresh outcomes and publications.
type Observer interface {
	RefreshCompleted(run *types.RefreshRun)
	SnapshotPublished(snap *types.Snapshot)
}

// Config holds the server's collaborators. Mirror, Journal and Observer
// are optional.
type Config struct {
	Classes      []Class
	UptimeWindow int
	Mirror       Mirror
	Journal      Journal
	Observer     Observer
	// PersistTimeout bounds mirror and journal writes (default: 5s).
	PersistTimeout time.Duration
}

// Server publishes snapshots and runs the refresh loops.
type Server struct {
	runner   Runner
	classes  []Class
	byName   map[string]Class
	mirror   Mirror
	journal  Journal
	observer Observer
	timeout  time.Duration
	uptime   *uptime.Tracker
	logger   *slog.Logger

	current  atomic.Pointer[types.Snapshot]
	previous atomic.Pointer[types.Snapshot]

	// Guarded by publishMu.
	publishMu sync.Mutex
	parts     map[string]*aggregator.Part
	restored  map[string]bool
	seq       uint64

	statusMu sync.RWMutex
	statuses map[string]*ClassStatus

	group singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Class names must be unique.
func NewServer(runner Runner, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	s := &Server{
		runner:   runner,
		classes:  cfg.Classes,
		byName:   make(map[string]Class, len(cfg.Classes)),
		mirror:   cfg.Mirror,
		journal:  cfg.Journal,
		observer: cfg.Observer,
		timeout:  cfg.PersistTimeout,
		uptime:   uptime.NewTracker(cfg.UptimeWindow),
		logger:   logger.With("component", "snapshot_server"),
		parts:    make(map[string]*aggregator.Part),
		restored: make(map[string]bool),
		statuses: make(map[string]*ClassStatus),
	}

	for _, c := range cfg.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("refresh class name is required")
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate refresh class: %s", c.Name)
		}
		s.byName[c.Name] = c
		s.statuses[c.Name] = &ClassStatus{Name: c.Name, Interval: c.Interval, Probes: len(c.Probes)}
	}

	return s, nil
}

// Current returns the published snapshot without blocking. ok is false
// before the first publication.
func (s *Server) Current() (snap *types.Snapshot, ok bool) {
	snap = s.current.Load()
	return snap, snap != nil
}

// Previous returns the snapshot replaced by the current one.
func (s *Server) Previous() (*types.Snapshot, bool) {
	snap := s.previous.Load()
	return snap, snap != nil
}

// Classes returns the configured class names in order.
func (s *Server) Classes() []string {
	names := make([]string, len(s.classes))
	for i, c := range s.classes {
		names[i] = c.Name
	}
	return names
}

// publish installs part and publishes a snapshot built from every class
// part.
func (s *Server) publish(part *aggregator.Part) (*types.Snapshot, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.parts[part.Class] = s.withUptime(part)
	delete(s.restored, part.Class)
	return s.install(time.Now())
}

// install builds and swaps in the next snapshot. Caller holds publishMu.
func (s *Server) install(now time.Time) (*types.Snapshot, error) {
	old := s.current.Load()
	next := s.build(s.seq+1, now)

	if !s.current.CompareAndSwap(old, next) {
		s.logger.Error("snapshot publish conflict", "sequence", next.Sequence)
		return nil, ErrPublishConflict
	}
	s.seq = next.Sequence
	if old != nil {
		s.previous.Store(old)
	}

	if s.observer != nil {
		s.observer.SnapshotPublished(next)
	}
	return next, nil
}

// build assembles a snapshot from the stored parts. Caller holds publishMu.
func (s *Server) build(seq uint64, now time.Time) *types.Snapshot {
	snap := &types.Snapshot{
		Sequence:    seq,
		GeneratedAt: now,
		Metrics:     []types.MetricResult{},
		Services:    []types.ServiceResult{},
		Classes:     []types.ClassStamp{},
		Stale:       len(s.restored) > 0,
	}
	for _, c := range s.classes {
		part, ok := s.parts[c.Name]
		if !ok {
			continue
		}
		snap.Metrics = append(snap.Metrics, part.Metrics...)
		snap.Services = append(snap.Services, part.Services...)
		snap.Classes = append(snap.Classes, types.ClassStamp{Name: c.Name, GeneratedAt: part.GeneratedAt})
	}
	return snap
}

// withUptime records the part's service statuses and returns a copy with
// uptime ratios filled in.
func (s *Server) withUptime(part *aggregator.Part) *aggregator.Part {
	out := *part
	out.Services = make([]types.ServiceResult, len(part.Services))
	for i, svc := range part.Services {
		svc.UptimeRatio = s.uptime.Observe(svc.Name, svc.Status)
		out.Services[i] = svc
	}
	return &out
}

// Restore loads class parts from the mirror and publishes them as a stale
// snapshot. It is a no-op without a mirror or when a snapshot is already
// published.
func (s *Server) Restore(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	if _, ok := s.Current(); ok {
		return nil
	}

	parts, err := s.mirror.LoadParts(ctx, s.Classes())
	if err != nil {
		return fmt.Errorf("loading mirrored parts: %w", err)
	}
	if len(parts) == 0 {
		s.logger.Info("no mirrored snapshot to restore")
		return nil
	}

	// The sequence continues from the last mirrored publication.
	var lastSeq uint64
	if prev, ok, err := s.mirror.LoadSnapshot(ctx); err != nil {
		s.logger.Warn("failed to load mirrored snapshot, sequence restarts", "error", err)
	} else if ok {
		lastSeq = prev.Sequence
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.current.Load() != nil {
		return nil
	}
	for _, p := range parts {
		if _, ok := s.byName[p.Class]; !ok {
			continue
		}
		s.parts[p.Class] = p
		s.restored[p.Class] = true
	}
	if len(s.restored) == 0 {
		return nil
	}
	if lastSeq > s.seq {
		s.seq = lastSeq
	}

	snap, err := s.install(time.Now())
	if err != nil {
		return err
	}
	s.logger.Info("restored snapshot from mirror",
		"sequence", snap.Sequence,
		"classes", len(snap.Classes),
		"metrics", len(snap.Metrics),
		"services", len(snap.Services))
	return nil
}
