package transport

import (
	"sync"
	"time"
)

// slidingWindow admits a request iff fewer than limit requests were
// admitted within the trailing window.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// Allow records and admits the request when under the limit.
func (s *slidingWindow) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	keep := s.sent[:0]
	for _, t := range s.sent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	s.sent = keep

	if len(s.sent) >= s.limit {
		return false
	}
	s.sent = append(s.sent, now)
	return true
}

// InFlight returns the number of requests inside the current window.
func (s *slidingWindow) InFlight(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.window)
	n := 0
	for _, t := range s.sent {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
