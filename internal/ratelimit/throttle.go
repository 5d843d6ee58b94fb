package ratelimit

import (
	"sync"
	"time"
)

// Throttle admits one event per key per interval and drops the rest. A zero
// interval admits everything.
type Throttle struct {
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (t *Throttle) Allow(key string, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Sweep forgets keys last admitted more than one interval ago.
func (t *Throttle) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, prev := range t.last {
		if now.Sub(prev) >= t.interval {
			delete(t.last, key)
			removed++
		}
	}
	return removed
}
