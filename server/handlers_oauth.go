package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/twitchapi"
)

func (h *Handlers) oauthEnabled() bool {
	return h.opts.OAuth != nil && h.opts.OAuth.RedirectURL != "" && h.opts.Tokens != nil
}

// HandleTwitchOAuthStart redirects the bot account's owner to Twitch to
// grant the chat scopes.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled() {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI and DB_DSN)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now()) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(h.opts.OAuth, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the token and makes
// the credential source pick it up on the next connection attempt.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled() {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st, time.Now()) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := twitchapi.ExchangeAuthCode(ctx, h.opts.OAuth, code, h.opts.HTTPClient)
	if err != nil {
		telemetryLog(r).Error("twitch code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	scope := twitchapi.TokenScope(tok)
	err = h.opts.Tokens.UpsertOAuthToken(ctx, twitchapi.Provider, db.Token{
		Access:  tok.AccessToken,
		Refresh: tok.RefreshToken,
		Expiry:  tok.Expiry,
		Scope:   scope,
	})
	if err != nil {
		telemetryLog(r).Error("store twitch token", slog.Any("err", err))
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}
	if h.opts.Reloader != nil {
		h.opts.Reloader.Reload()
	}
	telemetryLog(r).Info("twitch chat token authorized", slog.String("scope", scope), slog.Time("expires_at", tok.Expiry))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": scope, "expires_at": tok.Expiry})
}
