// Package oauth keeps the stored chat token fresh in the background, so a
// reconnect never has to wait on a refresh and the database copy stays
// usable by other tools. Checks are jittered; a refresh happens when the
// token's remaining lifetime falls within a window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Refresher refreshes its token when it expires within window and reports
// whether it did. *twitchapi.RefreshingSource implements it.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
}

// StartRefresher launches a goroutine that checks r every interval (±20%)
// until ctx is done. The returned channel is closed when it exits.
func StartRefresher(ctx context.Context, r Refresher, provider string, interval, window time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", provider))
	done := make(chan struct{})
	go func() {
		defer close(done)
		// spread the first check so restarts do not line up
		if !sleep(ctx, rand.N(interval/2+1)) {
			return
		}
		for {
			check(ctx, r, window, log)
			if !sleep(ctx, nextInterval(interval)) {
				return
			}
		}
	}()
	return done
}

func check(ctx context.Context, r Refresher, window time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	refreshed, err := r.RefreshIfExpiring(ctx, window)
	if err != nil {
		log.Warn("token refresh failed", slog.Any("err", err))
		return
	}
	if refreshed {
		log.Info("token refreshed ahead of expiry")
	}
}

// nextInterval adds ±20% jitter, never going below half the interval.
func nextInterval(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	next := interval + time.Duration(rand.Int64N(jitterRange*2)-jitterRange)
	return max(next, interval/2)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
