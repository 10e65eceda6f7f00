package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
)

const (
	defaultHistoryLimit = 50
	maxTriggersBody     = 1 << 20
)

// HandleStatus returns the controller snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Bot.Status())
}

// HandleTriggers returns the active phrase → action table.
func (h *Handlers) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Bot.Triggers())
}

// HandleReplaceTriggers swaps in a new table from a JSON object body. It
// applies to the very next chat line, running or not.
func (h *Handlers) HandleReplaceTriggers(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggersBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	var triggers map[string]string
	if err := json.Unmarshal(body, &triggers); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of phrase to sound file: "+err.Error())
		return
	}
	var skipped []string
	for phrase, action := range triggers {
		if strings.TrimSpace(phrase) == "" || strings.TrimSpace(action) == "" {
			skipped = append(skipped, phrase)
		}
	}
	n := h.opts.Bot.ReloadTriggers(triggers)
	telemetryLog(r).Info("triggers replaced over http", slog.Int("count", n), slog.Int("skipped", len(skipped)))
	writeJSON(w, http.StatusOK, map[string]any{"triggers": n, "skipped": len(skipped)})
}

// HandleHistory lists recent trigger fires, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.opts.History == nil {
		writeError(w, http.StatusNotImplemented, "history requires DB_DSN")
		return
	}
	limit := parseIntQuery(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > db.MaxHistoryLimit {
		limit = defaultHistoryLimit
	}
	fires, err := h.opts.History.ListTriggerFires(r.Context(), limit)
	if err != nil {
		telemetryLog(r).Error("list trigger fires", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, fires)
}

// HandleBotStart starts the bot with the current configuration.
func (h *Handlers) HandleBotStart(w http.ResponseWriter, r *http.Request) {
	if h.opts.Lifecycle == nil {
		writeError(w, http.StatusNotImplemented, "bot control not available")
		return
	}
	if err := h.opts.Lifecycle.Start(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.opts.Bot.Status())
}

// HandleBotStop stops the bot and waits for it to finish.
func (h *Handlers) HandleBotStop(w http.ResponseWriter, r *http.Request) {
	if h.opts.Lifecycle == nil {
		writeError(w, http.StatusNotImplemented, "bot control not available")
		return
	}
	h.opts.Lifecycle.Stop()
	writeJSON(w, http.StatusOK, h.opts.Bot.Status())
}
