package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseKinds reads a comma separated ?kinds= filter. Unknown names are
// passed through; they simply never match.
func parseKinds(r *http.Request) []events.Kind {
	raw := r.URL.Query().Get("kinds")
	if raw == "" {
		return nil
	}
	var kinds []events.Kind
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}
	return kinds
}

func telemetryLog(r *http.Request) *slog.Logger {
	return telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
}
