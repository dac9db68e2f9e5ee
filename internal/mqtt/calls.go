package mqtt

import (
	"sync"
	"time"
)

// DailyCalls counts tool calls since local midnight. It is safe for
// concurrent use.
type DailyCalls struct {
	mu       sync.Mutex
	calls    int64
	failures int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// NewDailyCalls creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCalls(loc *time.Location) *DailyCalls {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCalls{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Observe records one finished tool call.
func (d *DailyCalls) Observe(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.calls++
	if !success {
		d.failures++
	}
}

// Snapshot returns today's totals.
func (d *DailyCalls) Snapshot() (calls, failures int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.calls, d.failures
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCalls) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.calls = 0
		d.failures = 0
		d.resetDay = today
	}
}
