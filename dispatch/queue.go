// Package dispatch hands matched triggers from the chat read loop to the
// playback workers without ever making the read loop wait.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// DefaultCapacity is used when a queue is created with a capacity < 1.
const DefaultCapacity = 16

// ErrOverflow describes the drop of the oldest pending entry on a full queue.
var ErrOverflow = errors.New("dispatch: queue full, oldest entry dropped")

// Entry is one unit of playback work.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	ActionID   string    `json:"action_id"`
	Phrase     string    `json:"phrase"`
	User       string    `json:"user"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewEntry stamps a fresh id and enqueue time.
func NewEntry(actionID, phrase, user string) Entry {
	return Entry{ID: uuid.New(), ActionID: actionID, Phrase: phrase, User: user, EnqueuedAt: time.Now().UTC()}
}

// Queue is a bounded FIFO. When full, Enqueue evicts the oldest pending entry
// so the newest alert always gets in.
type Queue struct {
	mu       sync.Mutex
	items    []Entry
	capacity int
	closed   bool

	wake chan struct{} // capacity 1; poked on every enqueue
	done chan struct{} // closed by Close

	obs     events.Observer
	workers sync.WaitGroup
	active  chan struct{} // one token per worker mid-playback
}

// NewQueue returns an open queue. obs may be nil.
func NewQueue(capacity int, obs events.Observer) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if obs == nil {
		obs = events.Discard
	}
	return &Queue{
		items:    make([]Entry, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		obs:      obs,
	}
}

// Enqueue adds e without blocking. It reports false only when the queue is
// closed; an overflow still accepts e and drops the oldest entry instead.
func (q *Queue) Enqueue(e Entry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		telemetry.IncDropped("closed", 1)
		return false
	}
	var dropped *Entry
	if len(q.items) >= q.capacity {
		old := q.items[0]
		dropped = &old
		q.items = append(q.items[:0], q.items[1:]...)
	}
	q.items = append(q.items, e)
	depth := len(q.items)
	q.mu.Unlock()

	telemetry.IncEnqueued()
	telemetry.SetQueueDepth(depth)
	if dropped != nil {
		telemetry.IncDropped("overflow", 1)
		slog.Warn("dispatch queue full, dropping oldest",
			slog.String("component", "dispatch"),
			slog.String("dropped_action", dropped.ActionID),
			slog.Duration("dropped_age", time.Since(dropped.EnqueuedAt)))
		q.obs.Notify(events.Event{Kind: events.KindDispatchDropped, ActionID: dropped.ActionID, Phrase: dropped.Phrase, Reason: ErrOverflow.Error()})
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an entry is available, the queue is closed, or ctx ends.
// The boolean is false in the latter two cases.
func (q *Queue) Next(ctx context.Context) (Entry, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Entry{}, false
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = append(q.items[:0], q.items[1:]...)
			depth := len(q.items)
			more := depth > 0
			q.mu.Unlock()
			telemetry.SetQueueDepth(depth)
			if more {
				// let another waiting worker pick up the rest
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Entry{}, false
		}
	}
}

// Pending returns a copy of the waiting entries, oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of waiting entries.
func (q *Queue) Capacity() int { return q.capacity }

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops intake and discards pending entries. Workers started with Run
// finish the entry they are playing and exit; Close returns once they have.
// Calling Close more than once is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.workers.Wait()
		return
	}
	q.closed = true
	discarded := len(q.items)
	q.items = nil
	close(q.done)
	q.mu.Unlock()

	telemetry.IncDropped("discarded", discarded)
	telemetry.SetQueueDepth(0)
	if discarded > 0 {
		slog.Info("dispatch queue closed, discarding pending", slog.String("component", "dispatch"), slog.Int("count", discarded))
	}
	q.workers.Wait()
}
