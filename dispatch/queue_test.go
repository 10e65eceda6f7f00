package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
)

func actions(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ActionID
	}
	return out
}

func TestEnqueueDropsOldest(t *testing.T) {
	var dropped []string
	obs := events.ObserverFunc(func(e events.Event) {
		if e.Kind == events.KindDispatchDropped {
			dropped = append(dropped, e.ActionID)
		}
	})
	q := NewQueue(2, obs)
	for _, a := range []string{"A", "B", "C"} {
		if !q.Enqueue(NewEntry(a, a, "viewer")) {
			t.Fatalf("Enqueue(%s) rejected on open queue", a)
		}
	}
	got := actions(q.Pending())
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("pending = %v, want [B C]", got)
	}
	if len(dropped) != 1 || dropped[0] != "A" {
		t.Errorf("dropped = %v, want [A]", dropped)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	q := NewQueue(1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Enqueue(NewEntry("x", "x", ""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked without a consumer")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestClosedQueueRejects(t *testing.T) {
	q := NewQueue(4, nil)
	q.Enqueue(NewEntry("A", "a", ""))
	q.Close()
	q.Close()
	if q.Enqueue(NewEntry("B", "b", "")) {
		t.Error("Enqueue accepted after Close")
	}
	if q.Len() != 0 {
		t.Errorf("pending entries survived Close: %d", q.Len())
	}
	if _, ok := q.Next(context.Background()); ok {
		t.Error("Next returned an entry after Close")
	}
}

func TestNextHonoursContext(t *testing.T) {
	q := NewQueue(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Next(ctx); ok {
		t.Error("Next on empty queue returned an entry")
	}
}

func TestRunPlaysInOrder(t *testing.T) {
	q := NewQueue(8, nil)
	var mu sync.Mutex
	var played []string
	p := PlayerFunc(func(_ context.Context, id string) error {
		mu.Lock()
		played = append(played, id)
		mu.Unlock()
		return nil
	})
	q.Run(context.Background(), p, 1)
	for _, a := range []string{"A", "B", "C"} {
		q.Enqueue(NewEntry(a, a, ""))
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(played)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(played) != 3 || played[0] != "A" || played[1] != "B" || played[2] != "C" {
		t.Errorf("played = %v, want [A B C]", played)
	}
}

func TestPlaybackErrorDoesNotStopWorker(t *testing.T) {
	var failures atomic.Int32
	obs := events.ObserverFunc(func(e events.Event) {
		if e.Kind == events.KindPlaybackFailed {
			failures.Add(1)
		}
	})
	q := NewQueue(8, obs)
	var plays atomic.Int32
	q.Run(context.Background(), PlayerFunc(func(context.Context, string) error {
		plays.Add(1)
		return errors.New("no such file")
	}), 1)
	q.Enqueue(NewEntry("missing1", "x", ""))
	q.Enqueue(NewEntry("missing2", "y", ""))

	deadline := time.Now().Add(2 * time.Second)
	for plays.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	q.Close()
	if plays.Load() != 2 {
		t.Errorf("plays = %d, want 2", plays.Load())
	}
	if failures.Load() != 2 {
		t.Errorf("playback_failed events = %d, want 2", failures.Load())
	}
}

// Close must wait for the entry being played and must not start pending ones.
func TestCloseWaitsForInFlight(t *testing.T) {
	q := NewQueue(8, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var calls atomic.Int32
	q.Run(context.Background(), PlayerFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			finished.Store(true)
		}
		return nil
	}), 1)
	q.Enqueue(NewEntry("long", "l", ""))
	<-started
	q.Enqueue(NewEntry("pending", "p", ""))
	if q.Active() != 1 {
		t.Errorf("Active() = %d, want 1", q.Active())
	}

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while playback was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	for !q.Closed() {
		time.Sleep(time.Millisecond)
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after playback finished")
	}
	if !finished.Load() {
		t.Error("in-flight playback did not finish")
	}
	if calls.Load() != 1 {
		t.Errorf("pending entry was played after Close (calls=%d)", calls.Load())
	}
}
