package router

import (
	"sync"

	"github.com/arbflow/arbflow/internal/models"
)

// eventQueue is a bounded FIFO; pushing onto a full queue drops the
// oldest event so fresh data wins under overflow.
type eventQueue struct {
	mu      sync.Mutex
	max     int
	events  []models.RawEvent
	dropped int64
}

func newEventQueue(max int) *eventQueue {
	if max < 1 {
		max = 1
	}
	return &eventQueue{max: max}
}

// push appends the event, returning true when an old event was dropped
// to make room.
func (q *eventQueue) push(ev models.RawEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.events) >= q.max {
		q.events = q.events[1:]
		q.dropped++
		dropped = true
	}
	q.events = append(q.events, ev)
	return dropped
}

// popN removes and returns up to n events in FIFO order.
func (q *eventQueue) popN(n int) []models.RawEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.events) {
		n = len(q.events)
	}
	if n == 0 {
		return nil
	}
	batch := make([]models.RawEvent, n)
	copy(batch, q.events[:n])
	q.events = append(q.events[:0], q.events[n:]...)
	return batch
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
