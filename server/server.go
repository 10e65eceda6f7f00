// Package server exposes the bot's status surface over HTTP: health probes,
// controller status, metrics, trigger administration, fire history and live
// event feeds. Every request gets a correlation id and a tracing span.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/chat"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/twitchapi"
)

// Bot is the part of the chat controller the server reads and updates.
type Bot interface {
	Status() chat.Status
	Triggers() map[string]string
	ReloadTriggers(map[string]string) int
}

// Lifecycle starts and stops the bot on behalf of an admin request. Start
// must not tie the run to the request context.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

// HistoryStore lists recorded trigger fires. *db.Store implements it.
type HistoryStore interface {
	ListTriggerFires(ctx context.Context, limit int) ([]db.TriggerFire, error)
}

// Pinger checks a dependency for readiness. *db.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TokenReloader is told when the authorization flow stored a new token.
type TokenReloader interface {
	Reload()
}

// Options wires the server to the rest of the process. Only Bot is required.
type Options struct {
	Bot       Bot
	Lifecycle Lifecycle
	Events    *events.Bus
	History   HistoryStore
	DB        Pinger

	// AdminToken protects the mutating endpoints; empty leaves them open.
	AdminToken  string
	RateLimit   int           // admin requests per IP per window, 0 disables
	RateWindow  time.Duration // default one minute
	CORSOrigins []string      // empty allows any origin

	// Authorization code flow; both must be set to enable /auth/twitch/*.
	OAuth      *oauth2.Config
	Tokens     twitchapi.TokenStore
	Reloader   TokenReloader
	HTTPClient *http.Client

	Logger *slog.Logger
}

// NewMux returns the HTTP handler with all routes. ctx bounds background
// goroutines such as the rate limiter cleanup.
func NewMux(ctx context.Context, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.AdminToken == "" {
		opts.Logger.Warn("ADMIN_TOKEN not set - trigger and bot control endpoints are UNPROTECTED")
	}

	h := NewHandlers(opts)
	limiter := newIPRateLimiter(ctx, opts.RateLimit, opts.RateWindow)
	admin := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), opts.AdminToken)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.HandleFunc("GET /triggers", h.HandleTriggers)
	mux.Handle("PUT /triggers", admin(h.HandleReplaceTriggers))
	mux.Handle("POST /bot/start", admin(h.HandleBotStart))
	mux.Handle("POST /bot/stop", admin(h.HandleBotStop))

	mux.HandleFunc("GET /history", h.HandleHistory)
	mux.HandleFunc("GET /events", h.HandleEventsSSE)
	mux.HandleFunc("GET /events/ws", h.HandleEventsWS)

	mux.Handle("GET /auth/twitch/start", rateLimitMiddleware(http.HandlerFunc(h.HandleTwitchOAuthStart), limiter))
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORS(handler, opts.CORSOrigins)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start serves handler on addr and shuts down gracefully when ctx is
// cancelled.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /events streams stay open
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("status server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

// IsLoopback reports whether addr only listens on a loopback interface.
func IsLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
