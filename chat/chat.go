package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/dispatch"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/irc"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/session"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/supervisor"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/trigger"
)

// DefaultDrainTimeout bounds how long Stop lets in-flight playback run.
const DefaultDrainTimeout = 5 * time.Second

const historyBuffer = 64

// History records trigger fires. Calls happen off the read loop.
type History interface {
	RecordTriggerFire(ctx context.Context, e events.Event) error
}

// Config is everything Start needs.
type Config struct {
	Credentials session.Credentials
	// Source overrides Credentials.Token per attempt when set. Nickname and
	// Channel still come from Credentials.
	Source supervisor.CredentialSource

	Session  session.Options
	Triggers map[string]string
	Mode     trigger.Mode

	MinDelay time.Duration
	MaxDelay time.Duration

	QueueCapacity int
	Workers       int
	DrainTimeout  time.Duration
	Player        dispatch.Player
	History       History

	// Opener replaces the real session dialer in tests.
	Opener supervisor.Opener
	// Sleep replaces the backoff sleep in tests.
	Sleep supervisor.SleepFunc
}

// Validate reports configuration the controller cannot run with. These are
// fatal: Start returns them instead of retrying.
func (c Config) Validate() error {
	var errs []error
	creds := c.Credentials
	if c.Source != nil && creds.Token == "" {
		creds.Token = "from-source"
	}
	if err := creds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := supervisor.ValidateDelays(c.MinDelay, c.MaxDelay); err != nil {
		errs = append(errs, err)
	}
	if c.Player == nil {
		errs = append(errs, errors.New("chat: no player configured"))
	}
	if c.Mode != "" {
		if _, err := trigger.ParseMode(string(c.Mode)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status is a snapshot of the controller.
type Status struct {
	Running     bool                    `json:"running"`
	State       session.State           `json:"state"`
	Backoff     supervisor.BackoffState `json:"backoff"`
	Attempt     int                     `json:"attempt,omitempty"`
	Channel     string                  `json:"channel,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
	JoinedSince time.Time               `json:"joined_since,omitzero"`
	Triggers    int                     `json:"triggers"`
	Mode        trigger.Mode            `json:"mode"`
	QueueDepth  int                     `json:"queue_depth"`
	Playing     int                     `json:"playing"`
}

// Controller starts and stops the bot. The zero value is not usable; call New.
type Controller struct {
	obs events.Observer
	log *slog.Logger

	mu       sync.Mutex
	run      *run // cleared once a Stop has finished tearing it down
	last     *run // kept after stop so Status can report the final state
	matcher  *trigger.Matcher
	minDelay time.Duration // bounds of the last start, for idle Status
	maxDelay time.Duration
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	sup      *supervisor.Supervisor
	queue    *dispatch.Queue
	matcher  *trigger.Matcher
	channel  string
	history  chan events.Event
	err      error // set before done is closed
	stopping bool  // guarded by Controller.mu
}

// New returns an idle controller publishing to obs (may be nil).
func New(obs events.Observer, logger *slog.Logger) *Controller {
	if obs == nil {
		obs = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		obs:     obs,
		log:     logger.With(slog.String("component", "chat")),
		matcher: trigger.NewMatcher(nil, trigger.ModeAll),
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Start validates cfg and starts the bot in the background. Calling Start
// while running is a no-op. The bot runs until Stop, until ctx ends, or
// until a fatal credential error. A Start that arrives while a Stop is
// tearing down waits for the teardown and then starts.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if supervisor.ValidateDelays(cfg.MinDelay, cfg.MaxDelay) == nil {
		c.minDelay, c.maxDelay = cfg.MinDelay, cfg.MaxDelay
	}
	c.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.run != nil && c.run.stopping && !c.run.finished() {
		done := c.run.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	if c.run != nil && !c.run.finished() {
		c.log.Debug("start ignored, already running")
		return nil
	}

	mode := cfg.Mode
	if mode == "" {
		mode = trigger.ModeAll
	}
	matcher := trigger.NewMatcher(trigger.NewTable(cfg.Triggers), mode)
	queue := dispatch.NewQueue(cfg.QueueCapacity, c.obs)
	creds := cfg.Credentials.Normalized()

	var source supervisor.CredentialSource = supervisor.StaticCredentials(creds)
	if cfg.Source != nil {
		source = cfg.Source
	}
	opener := cfg.Opener
	if opener == nil {
		opts := cfg.Session
		if opts.Logger == nil {
			opts.Logger = c.log
		}
		opener = supervisor.SessionOpener{Options: opts}
	}

	r := &run{
		done:    make(chan struct{}),
		queue:   queue,
		matcher: matcher,
		channel: creds.Channel,
	}
	if cfg.History != nil {
		r.history = make(chan events.Event, historyBuffer)
	}
	r.sup = supervisor.New(supervisor.Config{
		Opener:      opener,
		Credentials: source,
		Handler:     func(m irc.Message) { c.handle(r, m) },
		MinDelay:    cfg.MinDelay,
		MaxDelay:    cfg.MaxDelay,
		Observer:    c.obs,
		Sleep:       cfg.Sleep,
		Logger:      c.log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	// Playback outlives the session by up to the drain timeout.
	playCtx, stopPlay := context.WithCancel(context.WithoutCancel(ctx))
	queue.Run(playCtx, cfg.Player, cfg.Workers)

	var historyDone chan struct{}
	if r.history != nil {
		historyDone = make(chan struct{})
		go func() {
			defer close(historyDone)
			c.recordHistory(playCtx, cfg.History, r.history)
		}()
	}

	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	go func() {
		err := r.sup.Run(runCtx)
		cancel()

		t := time.AfterFunc(drain, stopPlay)
		queue.Close()
		t.Stop()
		if r.history != nil {
			close(r.history)
			<-historyDone
		}
		stopPlay()

		ev := events.Event{Kind: events.KindStopped, Channel: r.channel}
		if err != nil {
			ev.Reason = err.Error()
			c.log.Error("bot stopped", slog.Any("err", err))
		} else {
			c.log.Info("bot stopped")
		}
		r.err = err
		close(r.done)
		c.obs.Notify(ev)
	}()

	c.matcher = matcher
	c.run = r
	c.last = r
	c.log.Info("bot started",
		slog.String("channel", creds.Channel),
		slog.Int("triggers", matcher.Table().Len()),
		slog.String("mode", string(mode)),
	)
	c.obs.Notify(events.Event{Kind: events.KindTriggersLoaded, Count: matcher.Table().Len(), Channel: creds.Channel})
	return nil
}

// Stop ends the running bot and waits for the session to close and the
// playback workers to drain. It is a no-op when idle. Concurrent calls all
// return once the controller is idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.run
	if r != nil {
		r.stopping = true
	}
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done

	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	c.mu.Unlock()
}

// Wait blocks until the current run ends and returns its error. It returns
// nil immediately when idle.
func (c *Controller) Wait() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	<-r.done
	return r.err
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && !c.run.finished()
}

// Status returns a snapshot. After a stop it reports the final state of the
// last run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	r := c.last
	running := c.run != nil && !c.run.finished()
	m := c.matcher
	minDelay, maxDelay := c.minDelay, c.maxDelay
	c.mu.Unlock()

	st := Status{
		Running:  running,
		State:    session.StateDisconnected,
		Backoff:  supervisor.NewBackoff(minDelay, maxDelay).State(),
		Triggers: m.Table().Len(),
		Mode:     m.Mode(),
	}
	if r == nil {
		return st
	}
	ss := r.sup.Status()
	st.State = ss.State
	st.Backoff = ss.Backoff
	st.Attempt = ss.Attempt
	st.Channel = ss.Channel
	st.LastError = ss.LastError
	st.JoinedSince = ss.JoinedSince
	if running {
		st.QueueDepth = r.queue.Len()
		st.Playing = r.queue.Active()
	}
	return st
}

// ReloadTriggers swaps the trigger table. It takes effect on the next chat
// message and works whether or not the bot is running.
func (c *Controller) ReloadTriggers(triggers map[string]string) int {
	t := trigger.NewTable(triggers)
	c.mu.Lock()
	m := c.matcher
	c.mu.Unlock()
	m.Replace(t)
	c.log.Info("triggers reloaded", slog.Int("count", t.Len()))
	c.obs.Notify(events.Event{Kind: events.KindTriggersLoaded, Count: t.Len()})
	return t.Len()
}

// Triggers returns the current phrase table.
func (c *Controller) Triggers() map[string]string {
	c.mu.Lock()
	m := c.matcher
	c.mu.Unlock()
	return m.Table().Map()
}

// handle runs on the read loop for every message.
func (c *Controller) handle(r *run, m irc.Message) {
	pm, ok := m.(irc.PrivMsg)
	if !ok {
		return
	}
	c.log.Info(fmt.Sprintf("%s: %s", pm.DisplayName, pm.Text), slog.String("channel", pm.Channel))
	c.obs.Notify(events.Event{Kind: events.KindChatMessage, Channel: pm.Channel, User: pm.DisplayName, Text: pm.Text})

	for _, match := range r.matcher.Match(pm.Text) {
		telemetry.IncTrigger(match.Phrase)
		entry := dispatch.NewEntry(match.ActionID, match.Phrase, pm.Sender)
		if !r.queue.Enqueue(entry) {
			return
		}
		ev := events.Event{
			Kind:     events.KindTriggerFired,
			Time:     entry.EnqueuedAt,
			Channel:  pm.Channel,
			User:     pm.Sender,
			Phrase:   match.Phrase,
			ActionID: match.ActionID,
		}
		c.log.Info("trigger fired", slog.String("phrase", match.Phrase), slog.String("action_id", match.ActionID), slog.String("user", pm.Sender))
		c.obs.Notify(ev)
		if r.history != nil {
			select {
			case r.history <- ev:
			default:
				c.log.Warn("history backlog full, fire not recorded", slog.String("phrase", match.Phrase))
			}
		}
	}
}

func (c *Controller) recordHistory(ctx context.Context, h History, in <-chan events.Event) {
	for ev := range in {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.RecordTriggerFire(wctx, ev); err != nil {
			c.log.Warn("failed to record trigger fire", slog.Any("err", err))
		}
		cancel()
	}
}
