package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// Player plays the sound behind an action id. Implementations log nothing
// themselves; the worker reports failures.
type Player interface {
	Play(ctx context.Context, actionID string) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, actionID string) error

func (f PlayerFunc) Play(ctx context.Context, actionID string) error { return f(ctx, actionID) }

// Run starts n workers that consume the queue and hand each entry to p.
// It returns immediately. Workers exit when the queue is closed or ctx ends.
// A playback error is logged and published; it never stops a worker.
func (q *Queue) Run(ctx context.Context, p Player, n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.workers.Add(n)
	slots := make(chan struct{}, n)
	q.active = slots
	q.mu.Unlock()

	slog.Info("playback workers started", slog.String("component", "dispatch"), slog.Int("workers", n))
	for i := 0; i < n; i++ {
		go func(worker int) {
			defer q.workers.Done()
			for {
				e, ok := q.Next(ctx)
				if !ok {
					return
				}
				slots <- struct{}{}
				q.play(ctx, p, worker, e)
				<-slots
			}
		}(i)
	}
}

// Active returns how many workers are playing right now.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *Queue) play(ctx context.Context, p Player, worker int, e Entry) {
	ctx = telemetry.WithCorrelation(ctx, e.ID.String())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatch"), slog.Int("worker", worker))
	ctx, span := telemetry.StartSpan(ctx, "dispatch.play",
		attribute.String("action_id", e.ActionID),
		attribute.String("phrase", e.Phrase),
	)

	var err error
	d := telemetry.TimeFunc(telemetry.PlaybackDuration, func() {
		err = p.Play(ctx, e.ActionID)
	})
	telemetry.EndSpan(span, err)

	if err != nil {
		telemetry.IncPlaybackFailure()
		log.Error("playback failed", slog.String("action_id", e.ActionID), slog.Any("err", err))
		q.obs.Notify(events.Event{Kind: events.KindPlaybackFailed, ActionID: e.ActionID, Phrase: e.Phrase, User: e.User, Reason: err.Error()})
		return
	}
	log.Debug("played", slog.String("action_id", e.ActionID), slog.Duration("took", d), slog.Duration("waited", time.Since(e.EnqueuedAt)-d))
}
