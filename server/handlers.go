package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 1000
	oauthStateTTL  = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	stateMu    sync.Mutex
	stateStore map[string]time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handlers{
		opts:       opts,
		log:        opts.Logger.With(slog.String("component", "http")),
		stateStore: make(map[string]time.Time),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(opts.CORSOrigins) == 0 || isOriginAllowed(origin, opts.CORSOrigins)
		},
	}
	return h
}

// addOAuthState remembers a state value until it expires. It reports false
// when too many flows are pending.
func (h *Handlers) addOAuthState(state string, now time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	for s, exp := range h.stateStore {
		if now.After(exp) {
			delete(h.stateStore, s)
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState reports whether state is known and unexpired, and
// forgets it either way.
func (h *Handlers) consumeOAuthState(state string, now time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !now.After(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
