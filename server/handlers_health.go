package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/session"
)

// HandleHealthz answers liveness probes: the process is up.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the bot has joined its channel and the
// database (when configured) answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"chat", func(context.Context) error {
			st := h.opts.Bot.Status()
			if !st.Running {
				return errors.New("bot is stopped")
			}
			if st.State != session.StateJoined {
				if st.LastError != "" {
					return fmt.Errorf("session %s: %s", st.State, st.LastError)
				}
				return fmt.Errorf("session %s", st.State)
			}
			return nil
		}},
		{"database", func(ctx context.Context) error {
			if h.opts.DB == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return h.opts.DB.Ping(ctx)
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
