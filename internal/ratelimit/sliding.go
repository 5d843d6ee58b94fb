// Package ratelimit implements per-key sliding-window admission.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most Limit events per key within any Window-long
// interval. Timestamps older than the window are pruned before counting, so
// capacity frees up gradually rather than at bucket boundaries.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key at now when it fits the window.
func (s *SlidingWindow) Allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(s.events[key], now)
	if len(kept) >= s.limit {
		s.events[key] = kept
		return false
	}
	s.events[key] = append(kept, now)
	return true
}

// Retained returns how many events are currently counted for key.
func (s *SlidingWindow) Retained(key string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(s.events[key], now))
}

// Sweep drops keys whose events have all aged out.
func (s *SlidingWindow) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ts := range s.events {
		if len(s.prune(ts, now)) == 0 {
			delete(s.events, key)
			removed++
		}
	}
	return removed
}

func (s *SlidingWindow) prune(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= s.window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
