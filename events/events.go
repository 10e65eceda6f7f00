// Package events carries lifecycle and chat notifications from the bot core
// to whoever is watching: the CLI log, the status server's live feeds, tests.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// Kind names an event.
type Kind string

const (
	KindStateChanged    Kind = "state_changed"
	KindConnecting      Kind = "connecting"
	KindConnected       Kind = "connected"
	KindConnectFailed   Kind = "connect_failed"
	KindDisconnected    Kind = "disconnected"
	KindBackoff         Kind = "backoff"
	KindChatMessage     Kind = "chat_message"
	KindTriggerFired    Kind = "trigger_fired"
	KindDispatchDropped Kind = "dispatch_dropped"
	KindPlaybackFailed  Kind = "playback_failed"
	KindTriggersLoaded  Kind = "triggers_loaded"
	KindStopped         Kind = "stopped"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind          `json:"kind"`
	Time     time.Time     `json:"time"`
	State    string        `json:"state,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Delay    time.Duration `json:"delay_ns,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Channel  string        `json:"channel,omitempty"`
	User     string        `json:"user,omitempty"`
	Text     string        `json:"text,omitempty"`
	Phrase   string        `json:"phrase,omitempty"`
	ActionID string        `json:"action_id,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// Observer receives events. Notify must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Discard is an Observer that drops everything.
var Discard Observer = ObserverFunc(func(Event) {})

const defaultBufferSize = 128

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]subscription
	nextSubID int
	closed    bool

	dropMu sync.Mutex
	drops  uint64
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool // nil means all kinds
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Notify stamps the event time when unset and publishes it.
func (b *Bus) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.recordDrop(e.Kind)
		}
	}
}

// Subscribe registers a receiver for the given kinds (all kinds when none
// are given). The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	ch := make(chan Event, defaultBufferSize)
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = subscription{ch: ch, kinds: filter}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later events are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) recordDrop(kind Kind) {
	telemetry.IncEventDropped()
	b.dropMu.Lock()
	b.drops++
	n := b.drops
	b.dropMu.Unlock()
	if n%100 == 1 {
		slog.Warn("events: subscriber too slow, dropping", slog.String("kind", string(kind)), slog.Uint64("total_drops", n))
	}
}

// Multi forwards each event to every observer in order.
type Multi []Observer

func (m Multi) Notify(e Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(e)
		}
	}
}
