// Package quota tracks per-provider request counts against a rolling
// daily ceiling.
package quota

import (
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/cody/internal/metrics"
	"github.com/mohammad-safakhou/cody/provider"
)

type counter struct {
	max         int
	used        int
	periodStart time.Time
}

// Tracker owns every provider quota counter. All access goes through a
// single mutex so concurrent TryConsume calls can never let more than
// max requests through in one period.
type Tracker struct {
	mu       sync.Mutex
	counters map[provider.ID]*counter
	logger   *log.Logger
	stop     chan struct{}
	now      func() time.Time
}

// NewTracker creates a tracker with the given per-provider ceilings.
func NewTracker(limits map[provider.ID]int) *Tracker {
	t := &Tracker{
		counters: make(map[provider.ID]*counter, len(limits)),
		logger:   log.New(log.Writer(), "[QUOTA] ", log.LstdFlags),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	for id, max := range limits {
		t.counters[id] = &counter{max: max, periodStart: t.now()}
	}
	return t
}

// Known reports whether a provider id is tracked. Chain construction
// validates ids through this at startup; unknown ids never reach
// TryConsume at runtime.
func (t *Tracker) Known(id provider.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.counters[id]
	return ok
}

// TryConsume atomically increments the provider's counter iff it is
// below its ceiling. Returns false with no side effect otherwise.
// Unknown providers fail closed.
func (t *Tracker) TryConsume(id provider.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[id]
	if !ok {
		return false
	}
	if c.used >= c.max {
		metrics.QuotaDenied.WithLabelValues(string(id)).Inc()
		return false
	}
	c.used++
	metrics.QuotaConsumed.WithLabelValues(string(id)).Inc()
	t.logger.Printf("using %s: request #%d/%d", id, c.used, c.max)
	return true
}

// Remaining returns how many requests the provider has left this period.
func (t *Tracker) Remaining(id provider.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[id]
	if !ok {
		return 0
	}
	return c.max - c.used
}

// ResetAll zeroes every counter and restarts the period.
func (t *Tracker) ResetAll() {
	now := t.now()
	t.mu.Lock()
	for _, c := range t.counters {
		c.used = 0
		c.periodStart = now
	}
	t.mu.Unlock()
	t.logger.Printf("quotas reset at %s", now.Format(time.RFC3339))
}

// StartResetLoop resets all counters on a fixed wall-clock interval,
// independent of traffic, until Stop is called.
func (t *Tracker) StartResetLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		for {
			select {
			case <-t.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				t.ResetAll()
			}
		}
	}()
}

// Stop terminates the reset loop.
func (t *Tracker) Stop() {
	close(t.stop)
}
