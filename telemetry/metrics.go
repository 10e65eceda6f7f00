// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived   *prometheus.CounterVec // by command
	DecodeErrors       prometheus.Counter
	KeepalivesAnswered prometheus.Counter
	TriggersMatched    *prometheus.CounterVec // by phrase
	DispatchEnqueued   prometheus.Counter
	DispatchDropped    *prometheus.CounterVec // by reason
	ConnectAttempts    prometheus.Counter
	ConnectFailures    *prometheus.CounterVec // by kind
	Disconnects        prometheus.Counter
	PlaybackFailures   prometheus.Counter
	EventsDropped      prometheus.Counter

	// Histograms (seconds)
	PlaybackDuration  prometheus.Observer
	HandshakeDuration prometheus.Observer

	// Gauges
	DispatchQueueDepth prometheus.Gauge
	SessionStateGauge  prometheus.Gauge
	BackoffDelayGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "soundalert_irc_messages_total", Help: "Protocol messages decoded, by command"}, []string{"command"})
		DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_irc_decode_errors_total", Help: "Lines that could not be parsed"})
		KeepalivesAnswered = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_irc_pongs_total", Help: "PING probes answered"})
		TriggersMatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "soundalert_triggers_matched_total", Help: "Trigger phrases matched in chat"}, []string{"phrase"})
		DispatchEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_dispatch_enqueued_total", Help: "Entries accepted by the dispatch queue"})
		DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "soundalert_dispatch_dropped_total", Help: "Entries dropped by the dispatch queue, by reason"}, []string{"reason"})
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_connect_attempts_total", Help: "Session open attempts"})
		ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "soundalert_connect_failures_total", Help: "Failed session opens, by kind"}, []string{"kind"})
		Disconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_disconnects_total", Help: "Joined sessions that ended without a stop"})
		PlaybackFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_playback_failures_total", Help: "Playback attempts that failed"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "soundalert_events_dropped_total", Help: "Events not delivered to a slow subscriber"})
		PlaybackDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "soundalert_playback_duration_seconds", Help: "Playback duration seconds", Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30}})
		HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "soundalert_handshake_duration_seconds", Help: "Dial to JOIN confirmation seconds", Buckets: prometheus.DefBuckets})
		DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "soundalert_dispatch_queue_depth", Help: "Entries waiting for a playback worker"})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "soundalert_session_state", Help: "0=disconnected 1=connecting 2=authenticating 3=joined 4=closing"})
		BackoffDelayGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "soundalert_backoff_delay_seconds", Help: "Current reconnect delay"})
	})
}

// IncMessage counts one decoded message.
func IncMessage(command string) {
	if MessagesReceived != nil {
		if command == "" {
			command = "unknown"
		}
		MessagesReceived.WithLabelValues(command).Inc()
	}
}

// IncDecodeError counts one malformed line.
func IncDecodeError() { inc(DecodeErrors) }

// IncKeepalive counts one PONG sent.
func IncKeepalive() { inc(KeepalivesAnswered) }

// IncTrigger counts one matched phrase.
func IncTrigger(phrase string) {
	if TriggersMatched != nil {
		TriggersMatched.WithLabelValues(phrase).Inc()
	}
}

// IncEnqueued counts one accepted dispatch entry.
func IncEnqueued() { inc(DispatchEnqueued) }

// IncDropped counts dropped dispatch entries for reason (overflow, closed, discarded).
func IncDropped(reason string, n int) {
	if DispatchDropped != nil && n > 0 {
		DispatchDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// IncConnectAttempt counts one session open.
func IncConnectAttempt() { inc(ConnectAttempts) }

// IncConnectFailure counts one failed open of the given kind.
func IncConnectFailure(kind string) {
	if ConnectFailures != nil {
		ConnectFailures.WithLabelValues(kind).Inc()
	}
}

// IncDisconnect counts one lost session.
func IncDisconnect() { inc(Disconnects) }

// IncPlaybackFailure counts one failed playback.
func IncPlaybackFailure() { inc(PlaybackFailures) }

// IncEventDropped counts one event a subscriber missed.
func IncEventDropped() { inc(EventsDropped) }

// SetQueueDepth records the number of pending dispatch entries.
func SetQueueDepth(n int) { SetGauge(DispatchQueueDepth, float64(n)) }

// SetSessionState records the numeric session state.
func SetSessionState(v int) { SetGauge(SessionStateGauge, float64(v)) }

// SetBackoffDelay records the delay before the next reconnect attempt.
func SetBackoffDelay(d time.Duration) { SetGauge(BackoffDelayGauge, d.Seconds()) }

// SetGauge sets g when it is non-nil.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// ObserveDuration records d in obs when obs is non-nil.
func ObserveDuration(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
