package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/portal-health/monitor/internal/aggregator"
	"github.com/pilot-net/portal-health/pkg/types"
)

// ClassStatus is the refresh health of one class. It lives outside the
// snapshot so a failed refresh never alters published data.
type ClassStatus struct {
	Name                string        `json:"name"`
	Interval            time.Duration `json:"intervalNs"`
	Probes              int           `json:"probes"`
	LastAttempt         time.Time     `json:"lastAttempt"`
	LastSuccess         time.Time     `json:"lastSuccess"`
	LastDuration        time.Duration `json:"lastDurationNs"`
	LastError           string        `json:"lastError,omitempty"`
	Reported            int           `json:"reported"`
	Total               int           `json:"total"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Refreshes           uint64        `json:"refreshes"`
	Failures            uint64        `json:"failures"`
}

// Refresh runs the named classes now (all classes when none are named)
// and returns the snapshot published afterwards. Concurrent calls for the
// same class share one run.
//
// When any class fails the error is returned together with the current
// snapshot, which may be nil on a cold start.
func (s *Server) Refresh(ctx context.Context, classes ...string) (*types.Snapshot, error) {
	if len(classes) == 0 {
		classes = s.Classes()
	}

	seen := make(map[string]bool, len(classes))
	var targets []Class
	for _, name := range classes {
		if seen[name] {
			continue
		}
		seen[name] = true
		c, ok := s.byName[name]
		if !ok {
			snap, _ := s.Current()
			return snap, fmt.Errorf("%w: %s", ErrUnknownClass, name)
		}
		targets = append(targets, c)
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c Class) {
			defer wg.Done()
			// A shared run must not fail because one caller went away.
			errs[i] = s.refreshShared(context.WithoutCancel(ctx), c, TriggerOnDemand)
		}(i, c)
	}
	wg.Wait()

	snap, ok := s.Current()
	if err := errors.Join(errs...); err != nil {
		return snap, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return snap, nil
}

// refreshShared coalesces concurrent refreshes of one class.
func (s *Server) refreshShared(ctx context.Context, c Class, trigger string) error {
	_, err, _ := s.group.Do(c.Name, func() (any, error) {
		return nil, s.refreshClass(ctx, c, trigger)
	})
	return err
}

// refreshClass runs one class and publishes the result.
func (s *Server) refreshClass(ctx context.Context, c Class, trigger string) error {
	started := time.Now()
	run := &types.RefreshRun{
		ID:        uuid.New().String(),
		Class:     c.Name,
		StartedAt: started,
		Total:     len(c.Probes),
		Trigger:   trigger,
	}

	var snap *types.Snapshot
	part, err := s.runner.Run(ctx, aggregator.RunSpec{
		Class:             c.Name,
		Probes:            c.Probes,
		Deadline:          c.Deadline,
		MinReportingRatio: c.MinReportingRatio,
	})
	if err == nil {
		run.Reported = part.Reported
		snap, err = s.publish(part)
	}
	run.Duration = time.Since(started)

	if err != nil {
		run.Error = err.Error()
		s.logger.Warn("refresh failed, keeping previous snapshot",
			"class", c.Name,
			"trigger", trigger,
			"error", err)
	} else {
		run.Sequence = snap.Sequence
		run.Successful = true
		s.logger.Debug("snapshot published",
			"class", c.Name,
			"trigger", trigger,
			"sequence", snap.Sequence,
			"duration", run.Duration)
	}

	s.recordStatus(run)
	if s.observer != nil {
		s.observer.RefreshCompleted(run)
	}
	if run.Successful {
		s.persist(run, part, snap)
	} else {
		s.persist(run, nil, nil)
	}
	return err
}

func (s *Server) recordStatus(run *types.RefreshRun) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	st := s.statuses[run.Class]
	st.LastAttempt = run.StartedAt
	st.LastDuration = run.Duration
	st.Refreshes++
	if run.Successful {
		st.LastSuccess = run.StartedAt
		st.LastError = ""
		st.Reported = run.Reported
		st.Total = run.Total
		st.ConsecutiveFailures = 0
		return
	}
	st.LastError = run.Error
	st.ConsecutiveFailures++
	st.Failures++
}

// ClassStatuses returns the status of every class in configuration order.
func (s *Server) ClassStatuses() []ClassStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make([]ClassStatus, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, *s.statuses[c.Name])
	}
	return out
}

// persist writes the run to the journal and the published state to the
// mirror in the background. Failures are logged and otherwise ignored.
func (s *Server) persist(run *types.RefreshRun, part *aggregator.Part, snap *types.Snapshot) {
	if s.journal == nil && (s.mirror == nil || snap == nil) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if s.journal != nil {
			if err := s.journal.RecordRun(ctx, run); err != nil {
				s.logger.Warn("failed to record refresh run", "class", run.Class, "error", err)
			}
		}
		if s.mirror != nil && snap != nil {
			if err := s.mirror.SavePart(ctx, part); err != nil {
				s.logger.Warn("failed to mirror class part", "class", part.Class, "error", err)
			}
			if err := s.mirror.SaveSnapshot(ctx, snap); err != nil {
				s.logger.Warn("failed to mirror snapshot", "sequence", snap.Sequence, "error", err)
			}
		}
	}()
}

// =============================================================================
// REFRESH LOOPS
// =============================================================================

// Start launches one refresh loop per class with a positive interval. Each
// loop refreshes immediately, then on every tick.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	started := 0
	for _, c := range s.classes {
		if c.Interval <= 0 {
			continue
		}
		started++
		s.wg.Add(1)
		go func(c Class) {
			defer s.wg.Done()
			s.runLoop(ctx, c)
		}(c)
	}
	s.logger.Info("refresh loops started", "classes", started)
}

// Stop cancels the loops and waits for them and for pending writes.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("refresh loops stopped")
}

func (s *Server) runLoop(ctx context.Context, c Class) {
	logger := s.logger.With("class", c.Name)
	logger.Debug("refresh loop started", "interval", c.Interval, "probes", len(c.Probes))

	// Run immediately on start
	s.refreshShared(ctx, c, TriggerTimer)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("refresh loop stopped")
			return
		case <-ticker.C:
			s.refreshShared(ctx, c, TriggerTimer)
		}
	}
}
