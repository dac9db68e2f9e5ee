package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyCalls_Observe(t *testing.T) {
	d := NewDailyCalls(time.UTC)
	d.Observe(true)
	d.Observe(true)
	d.Observe(false)

	calls, failures := d.Snapshot()
	if calls != 3 || failures != 1 {
		t.Errorf("Snapshot() = %d, %d, want 3, 1", calls, failures)
	}
}

func TestDailyCalls_ResetsOnNewDay(t *testing.T) {
	d := NewDailyCalls(time.UTC)
	d.Observe(false)

	// Pretend the last reset happened on another day.
	d.mu.Lock()
	d.resetDay = (d.resetDay % 365) + 1
	d.mu.Unlock()

	if calls, failures := d.Snapshot(); calls != 0 || failures != 0 {
		t.Errorf("Snapshot() after day change = %d, %d, want 0, 0", calls, failures)
	}
}

func TestDailyCalls_Concurrent(t *testing.T) {
	d := NewDailyCalls(nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				d.Observe(i%2 == 0)
			}
		}()
	}
	wg.Wait()

	calls, failures := d.Snapshot()
	if calls != 800 || failures != 400 {
		t.Errorf("Snapshot() = %d, %d, want 800, 400", calls, failures)
	}
}
