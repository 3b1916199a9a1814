package types

import "time"

// =============================================================================
// RESULTS
// =============================================================================

// MetricResult is a classified resource or synthetic reading.
type MetricResult struct {
	Name      string      `json:"name"`
	Value     float64     `json:"value"`
	Unit      string      `json:"unit"`
	Status    StatusLevel `json:"status"`
	Synthetic bool        `json:"synthetic"`
}

// ServiceResult is a classified reachability reading.
type ServiceResult struct {
	Name           string      `json:"name"`
	Status         StatusLevel `json:"status"`
	ResponseTimeMs float64     `json:"responseTimeMs"`
	// UptimeRatio is the share of recent observations that were available
	// (healthy or warning), in [0, 1].
	UptimeRatio float64 `json:"uptimeRatio"`
	Synthetic   bool    `json:"synthetic"`
	Detail      string  `json:"detail,omitempty"`
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// ClassStamp records when a refresh class last contributed to a snapshot.
type ClassStamp struct {
	Name        string    `json:"name"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Snapshot is the atomically published, immutable point-in-time view of
// every metric and service result.
//
// A Snapshot is fully built before it becomes visible and is never
// modified afterwards; a newer one replaces it.
type Snapshot struct {
	Sequence    uint64          `json:"sequence"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Metrics     []MetricResult  `json:"metrics"`
	Services    []ServiceResult `json:"services"`
	Classes     []ClassStamp    `json:"classes"`
	// Stale marks a snapshot restored from the mirror at startup rather
	// than produced by a refresh of this process.
	Stale bool `json:"stale,omitempty"`
}

// Metric returns the metric with the given name.
func (s *Snapshot) Metric(name string) (MetricResult, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricResult{}, false
}

// Service returns the service with the given name.
func (s *Snapshot) Service(name string) (ServiceResult, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceResult{}, false
}

// Worst returns the most severe status in the snapshot.
func (s *Snapshot) Worst() StatusLevel {
	worst := StatusUnknown
	for _, m := range s.Metrics {
		worst = worst.AtLeast(m.Status)
	}
	for _, svc := range s.Services {
		worst = worst.AtLeast(svc.Status)
	}
	return worst
}

// =============================================================================
// REFRESH RUNS
// =============================================================================

// RefreshRun is the journal record of one refresh of one class.
type RefreshRun struct {
	ID         string        `json:"id"`
	Class      string        `json:"class"`
	Sequence   uint64        `json:"sequence,omitempty"` // 0 when nothing was published
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
	Reported   int           `json:"reported"`
	Total      int           `json:"total"`
	Trigger    string        `json:"trigger"` // timer, on_demand
	Error      string        `json:"error,omitempty"`
	Successful bool          `json:"successful"`
}

// =============================================================================
// CHANGES
// =============================================================================

// StatusChange is a result whose status differs between two snapshots.
type StatusChange struct {
	Section Section     `json:"section"`
	Name    string      `json:"name"`
	From    StatusLevel `json:"from"`
	To      StatusLevel `json:"to"`
	// Added is set when the result is absent from the older snapshot.
	Added bool `json:"added,omitempty"`
}

// Changes lists the status transitions from prev to cur in cur's order.
// A nil prev reports every result as added.
func Changes(prev, cur *Snapshot) []StatusChange {
	if cur == nil {
		return nil
	}

	var changes []StatusChange
	for _, m := range cur.Metrics {
		var old MetricResult
		found := false
		if prev != nil {
			old, found = prev.Metric(m.Name)
		}
		if !found || old.Status != m.Status {
			changes = append(changes, StatusChange{Section: SectionMetrics, Name: m.Name, From: old.Status, To: m.Status, Added: !found})
		}
	}
	for _, svc := range cur.Services {
		var old ServiceResult
		found := false
		if prev != nil {
			old, found = prev.Service(svc.Name)
		}
		if !found || old.Status != svc.Status {
			changes = append(changes, StatusChange{Section: SectionServices, Name: svc.Name, From: old.Status, To: svc.Status, Added: !found})
		}
	}
	return changes
}
