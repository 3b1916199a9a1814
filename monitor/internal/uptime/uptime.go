// Package uptime keeps a sliding window of observed service statuses and
// derives an availability ratio from it.
//
// A status counts as available when it is healthy or warning. Unknown
// counts as unavailable: the service could not be reached.
package uptime

import (
	"sync"

	"github.com/pilot-net/portal-health/pkg/types"
)

// DefaultWindow is the number of observations kept per service.
const DefaultWindow = 120

// Tracker records observations per service name. It is safe for
// concurrent use.
type Tracker struct {
	window int

	mu      sync.Mutex
	history map[string]*ring
}

// NewTracker creates a tracker keeping the last window observations.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:  window,
		history: make(map[string]*ring),
	}
}

// Observe records a status for name and returns the updated ratio.
func (t *Tracker) Observe(name string, level types.StatusLevel) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.history[name]
	if !ok {
		r = newRing(t.window)
		t.history[name] = r
	}
	r.push(level.Available())
	return r.ratio()
}

// Ratio returns the current ratio for name. ok is false when nothing has
// been observed.
func (t *Tracker) Ratio(name string) (ratio float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.history[name]
	if !ok || r.count == 0 {
		return 0, false
	}
	return r.ratio(), true
}

// ring is a fixed-size circular buffer of availability flags.
type ring struct {
	slots     []bool
	next      int
	count     int
	available int
}

func newRing(size int) *ring {
	return &ring{slots: make([]bool, size)}
}

func (r *ring) push(up bool) {
	if r.count == len(r.slots) {
		if r.slots[r.next] {
			r.available--
		}
	} else {
		r.count++
	}
	r.slots[r.next] = up
	if up {
		r.available++
	}
	r.next = (r.next + 1) % len(r.slots)
}

func (r *ring) ratio() float64 {
	if r.count == 0 {
		return 0
	}
	return float64(r.available) / float64(r.count)
}
