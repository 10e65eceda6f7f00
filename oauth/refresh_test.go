package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRefresher struct {
	calls   atomic.Int32
	windows chan time.Duration
	err     error
}

func (f *fakeRefresher) RefreshIfExpiring(_ context.Context, window time.Duration) (bool, error) {
	f.calls.Add(1)
	select {
	case f.windows <- window:
	default:
	}
	return f.err == nil, f.err
}

func TestStartRefresherChecksPeriodically(t *testing.T) {
	r := &fakeRefresher{windows: make(chan time.Duration, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartRefresher(ctx, r, "twitch", 10*time.Millisecond, 30*time.Minute)

	select {
	case w := <-r.windows:
		if w != 30*time.Minute {
			t.Errorf("window = %v, want 30m", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never checked the token")
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := r.calls.Load(); n < 3 {
		t.Errorf("calls = %d, want at least 3", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop on cancel")
	}
}

func TestStartRefresherKeepsGoingAfterErrors(t *testing.T) {
	r := &fakeRefresher{windows: make(chan time.Duration, 1), err: errors.New("twitch down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRefresher(ctx, r, "twitch", 5*time.Millisecond, 0)

	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := r.calls.Load(); n < 2 {
		t.Fatalf("calls = %d after errors, want at least 2", n)
	}
	if w := <-r.windows; w != 15*time.Minute {
		t.Errorf("default window = %v, want 15m", w)
	}
}

func TestStartRefresherCancelledBeforeFirstCheck(t *testing.T) {
	r := &fakeRefresher{windows: make(chan time.Duration, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	<-StartRefresher(ctx, r, "twitch", time.Hour, time.Minute)
	if n := r.calls.Load(); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestNextIntervalJitter(t *testing.T) {
	for range 100 {
		d := nextInterval(time.Minute)
		if d < 48*time.Second || d > 72*time.Second {
			t.Fatalf("nextInterval(1m) = %v, outside ±20%%", d)
		}
	}
	if d := nextInterval(time.Nanosecond); d != time.Nanosecond {
		t.Errorf("nextInterval(1ns) = %v", d)
	}
}
