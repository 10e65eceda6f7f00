// Package supervisor keeps one chat session alive: it opens a session,
// feeds its messages to a handler, and when the session fails or drops it
// waits out an exponential backoff and tries again, for as long as the
// context lives.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/irc"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/session"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// Conn is an open, joined session.
type Conn interface {
	Next() (irc.Message, error)
	Close() error
}

// Opener opens sessions. progress is told about intermediate states.
type Opener interface {
	Open(ctx context.Context, creds session.Credentials, progress func(session.State)) (Conn, error)
}

// SessionOpener opens real sessions with fixed options.
type SessionOpener struct {
	Options session.Options
}

func (o SessionOpener) Open(ctx context.Context, creds session.Credentials, progress func(session.State)) (Conn, error) {
	opts := o.Options
	opts.Progress = progress
	s, err := session.Open(ctx, creds, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CredentialSource supplies credentials for each connection attempt, so a
// refreshed token is picked up on the next reconnect.
type CredentialSource interface {
	Credentials(ctx context.Context) (session.Credentials, error)
}

// Invalidator is implemented by sources that can drop a cached token after
// the server rejected it.
type Invalidator interface {
	Invalidate()
}

// StaticCredentials always returns the same credentials.
type StaticCredentials session.Credentials

func (c StaticCredentials) Credentials(context.Context) (session.Credentials, error) {
	return session.Credentials(c), nil
}

// Fatal marks err as not worth retrying. Run returns it instead of backing off.
func Fatal(err error) error { return backoff.Permanent(err) }

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config wires a Supervisor.
type Config struct {
	Opener      Opener
	Credentials CredentialSource
	// Handler is called on the read loop for every message. It must not block.
	Handler  func(irc.Message)
	MinDelay time.Duration
	MaxDelay time.Duration
	Observer events.Observer
	Sleep    SleepFunc // tests only
	Logger   *slog.Logger
}

// Status is a snapshot of the supervisor.
type Status struct {
	State       session.State `json:"state"`
	Backoff     BackoffState  `json:"backoff"`
	Attempt     int           `json:"attempt"`
	Channel     string        `json:"channel,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	JoinedSince time.Time     `json:"joined_since,omitzero"`
}

// Supervisor runs the reconnect loop. A Supervisor is single-use: call Run
// once.
type Supervisor struct {
	cfg     Config
	backoff *Backoff
	log     *slog.Logger
	status  atomic.Pointer[Status]

	mu   sync.Mutex
	conn Conn
}

// New returns a supervisor in the Disconnected state.
func New(cfg Config) *Supervisor {
	if cfg.Observer == nil {
		cfg.Observer = events.Discard
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Handler == nil {
		cfg.Handler = func(irc.Message) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		backoff: NewBackoff(cfg.MinDelay, cfg.MaxDelay),
		log:     cfg.Logger.With(slog.String("component", "supervisor")),
	}
	s.status.Store(&Status{State: session.StateDisconnected, Backoff: s.backoff.State()})
	return s
}

// Status returns the latest snapshot.
func (s *Supervisor) Status() Status { return *s.status.Load() }

func (s *Supervisor) update(f func(*Status)) {
	for {
		old := s.status.Load()
		next := *old
		f(&next)
		next.Backoff = s.backoff.State()
		if s.status.CompareAndSwap(old, &next) {
			if next.State != old.State {
				telemetry.SetSessionState(int(next.State))
				s.cfg.Observer.Notify(events.Event{Kind: events.KindStateChanged, State: next.State.String(), Channel: next.Channel})
			}
			return
		}
	}
}

func (s *Supervisor) setState(st session.State) {
	s.update(func(v *Status) { v.State = st })
}

// Run keeps a session open until ctx is done, then closes it and returns nil.
// It returns early only for errors marked Fatal.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.setState(session.StateClosing)
		s.closeConn()
		s.setState(session.StateDisconnected)
	}()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		conn, creds, err := s.connect(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				s.log.Error("giving up", slog.Any("err", err))
				s.update(func(v *Status) { v.LastError = err.Error() })
				return err
			}
			if !s.wait(ctx) {
				return nil
			}
			continue
		}

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		telemetry.IncDisconnect()
		s.log.Warn("disconnected", slog.String("channel", creds.Channel), slog.Any("err", err))
		s.update(func(v *Status) {
			v.State = session.StateDisconnected
			v.LastError = errString(err)
			v.JoinedSince = time.Time{}
		})
		s.cfg.Observer.Notify(events.Event{Kind: events.KindDisconnected, Channel: creds.Channel, Reason: errString(err)})
		if !s.wait(ctx) {
			return nil
		}
	}
}

// connect performs one attempt. On success the backoff is reset and the
// state is Joined.
func (s *Supervisor) connect(ctx context.Context, attempt int) (Conn, session.Credentials, error) {
	ctx = telemetry.WithCorrelation(ctx, telemetry.NewCorrelationID())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "supervisor"), slog.Int("attempt", attempt))

	s.update(func(v *Status) {
		v.State = session.StateConnecting
		v.Attempt = attempt
	})
	s.cfg.Observer.Notify(events.Event{Kind: events.KindConnecting, Attempt: attempt})
	telemetry.IncConnectAttempt()

	ctx, span := telemetry.StartSpan(ctx, "supervisor.connect", attribute.Int("attempt", attempt))

	creds, err := s.cfg.Credentials.Credentials(ctx)
	if err != nil {
		telemetry.EndSpan(span, err)
		log.Warn("credentials unavailable", slog.Any("err", err))
		s.failed(attempt, "credentials", err)
		return nil, creds, err
	}
	span.SetAttributes(attribute.String("channel", creds.Channel))

	conn, err := s.cfg.Opener.Open(ctx, creds, s.setState)
	telemetry.EndSpan(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, creds, err
		}
		kind := session.Classify(err)
		log.Warn("connect failed", slog.String("kind", kind.String()), slog.Any("err", err))
		if kind == session.KindAuthRejected {
			if inv, ok := s.cfg.Credentials.(Invalidator); ok {
				inv.Invalidate()
			}
		}
		s.failed(attempt, kind.String(), err)
		return nil, creds, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.backoff.Reset()
	telemetry.SetBackoffDelay(0)
	s.update(func(v *Status) {
		v.State = session.StateJoined
		v.Channel = creds.Normalized().Channel
		v.LastError = ""
		v.JoinedSince = time.Now().UTC()
	})
	log.Info("connected", slog.Any("creds", creds.Normalized()))
	s.cfg.Observer.Notify(events.Event{Kind: events.KindConnected, Channel: creds.Normalized().Channel, Attempt: attempt})
	return conn, creds, nil
}

func (s *Supervisor) failed(attempt int, kind string, err error) {
	telemetry.IncConnectFailure(kind)
	s.update(func(v *Status) {
		v.State = session.StateDisconnected
		v.LastError = err.Error()
	})
	s.cfg.Observer.Notify(events.Event{Kind: events.KindConnectFailed, Attempt: attempt, Reason: err.Error()})
}

// serve pumps messages into the handler until the session ends. Cancelling
// ctx closes the socket, which unblocks the read.
func (s *Supervisor) serve(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer s.closeConn()

	for {
		m, err := conn.Next()
		if err != nil {
			return err
		}
		s.cfg.Handler(m)
	}
}

func (s *Supervisor) closeConn() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// wait sleeps the next backoff delay. It returns false if ctx ended first.
func (s *Supervisor) wait(ctx context.Context) bool {
	d := s.backoff.Next()
	telemetry.SetBackoffDelay(d)
	s.update(func(v *Status) { v.State = session.StateDisconnected })
	s.log.Info("reconnecting after backoff", slog.Duration("delay", d))
	s.cfg.Observer.Notify(events.Event{Kind: events.KindBackoff, Delay: d})
	return s.cfg.Sleep(ctx, d) == nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
