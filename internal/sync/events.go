package sync

import (
	"sync"
	"time"
)

// Event types emitted over a run's lifecycle. A cancelled run emits
// run_completed with a cancelled status detail, not run_failed.
const (
	EventRunStarted   = "run_started"
	EventRunProgress  = "run_progress"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	RunID       string         `json:"runId"`
	Kind        string         `json:"kind"`
	EntityType  string         `json:"entityType"`
	TriggeredBy string         `json:"triggeredBy"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// EventStats summarizes recent pipeline activity.
type EventStats struct {
	TotalEvents      int64 `json:"totalEvents"`
	CompletedLast24h int   `json:"completedLast24h"`
	FailedLast24h    int   `json:"failedLast24h"`
}

// EventBus keeps a bounded in-memory history of run events. Old events are
// evicted oldest-first once capacity is reached; counters survive eviction.
type EventBus struct {
	mu        sync.RWMutex
	capacity  int
	events    []Event
	seq       int64
	total     int64
	completed []time.Time
	failed    []time.Time
}

func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 500
	}
	return &EventBus{
		capacity: capacity,
		events:   make([]Event, 0, capacity),
	}
}

// Emit records the event, evicting the oldest entry when full.
func (b *EventBus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if len(b.events) >= b.capacity {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
	}
	b.events = append(b.events, e)
	b.total++

	switch e.Type {
	case EventRunCompleted:
		b.completed = append(b.completed, e.Timestamp)
	case EventRunFailed:
		b.failed = append(b.failed, e.Timestamp)
	}
	b.completed = pruneOlder(b.completed, e.Timestamp.Add(-24*time.Hour))
	b.failed = pruneOlder(b.failed, e.Timestamp.Add(-24*time.Hour))
}

// History returns up to limit events, newest first. A non-zero since drops
// events at or before that instant.
func (b *EventBus) History(limit int, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	out := make([]Event, 0, limit)
	for i := len(b.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := b.events[i]
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *EventBus) Stats() EventStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	return EventStats{
		TotalEvents:      b.total,
		CompletedLast24h: countAfter(b.completed, cutoff),
		FailedLast24h:    countAfter(b.failed, cutoff),
	}
}

func pruneOlder(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
