package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect delay defaults.
const (
	DefaultMinDelay = 5 * time.Second
	DefaultMaxDelay = 300 * time.Second
)

// BackoffState is a snapshot of the reconnect delay.
type BackoffState struct {
	// Current is the delay the next failure will sleep.
	Current time.Duration `json:"current"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// Backoff doubles the delay after each failure up to Max and drops back to
// Min after a successful join. There is no jitter: the schedule for 5s/300s
// is 5, 10, 20, 40, 80, 160, 300, 300, ...
type Backoff struct {
	mu      sync.Mutex
	exp     *backoff.ExponentialBackOff
	min     time.Duration
	max     time.Duration
	current time.Duration
}

// ValidateDelays checks 0 < min <= max.
func ValidateDelays(initial, maxDelay time.Duration) error {
	if initial <= 0 {
		return fmt.Errorf("reconnect: initial delay must be positive, got %v", initial)
	}
	if maxDelay < initial {
		return fmt.Errorf("reconnect: max delay %v is below initial delay %v", maxDelay, initial)
	}
	return nil
}

// NewBackoff returns a backoff at its minimum. Invalid bounds fall back to
// the defaults; callers validate configuration before getting here.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if ValidateDelays(initial, maxDelay) != nil {
		initial, maxDelay = DefaultMinDelay, DefaultMaxDelay
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	exp.Reset()
	return &Backoff{exp: exp, min: initial, max: maxDelay, current: initial}
}

// Next returns the delay to sleep now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.exp.NextBackOff()
	b.current = min(2*d, b.max)
	return d
}

// Reset returns the schedule to Min.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	b.current = b.min
}

// State returns a snapshot.
func (b *Backoff) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackoffState{Current: b.current, Min: b.min, Max: b.max}
}
