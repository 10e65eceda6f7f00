package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/session"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/supervisor"
)

// ErrMissingCredentials means there is no access token and no way to get one.
var ErrMissingCredentials = errors.New("twitchapi: no chat token available (set TWITCH_OAUTH_TOKEN, or TWITCH_REFRESH_TOKEN with client id/secret, or run seed-token)")

// ErrRefreshRejected means Twitch refused the refresh token. The bot keeps
// retrying so a token stored later through /auth/twitch is picked up.
var ErrRefreshRejected = errors.New("twitchapi: refresh token rejected")

// TokenStore persists the chat token. *db.Store implements it.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (db.Token, error)
	UpsertOAuthToken(ctx context.Context, provider string, tok db.Token) error
}

// SourceOptions configures a RefreshingSource.
type SourceOptions struct {
	Nickname string
	Channel  string
	// Seed is used when the store has no token (or there is no store).
	Seed       db.Token
	OAuth      *oauth2.Config // nil disables refresh
	Store      TokenStore     // optional
	HTTPClient *http.Client   // optional, for tests
	Logger     *slog.Logger
}

// RefreshingSource hands the supervisor a valid chat token for every
// connection attempt. It refreshes the token when it has expired or after the
// server rejected it, and writes refreshed tokens back to the store.
type RefreshingSource struct {
	opts SourceOptions
	log  *slog.Logger

	mu      sync.Mutex
	tok     *oauth2.Token
	scope   string
	loaded  bool
	invalid bool
}

// NewRefreshingSource returns a source; nothing is fetched until the first
// Credentials call.
func NewRefreshingSource(opts SourceOptions) *RefreshingSource {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RefreshingSource{opts: opts, log: opts.Logger.With(slog.String("component", "twitch_token"))}
}

// Credentials implements supervisor.CredentialSource.
func (s *RefreshingSource) Credentials(ctx context.Context) (session.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return session.Credentials{}, err
	}
	if s.tok == nil || (s.tok.AccessToken == "" && s.tok.RefreshToken == "") {
		return session.Credentials{}, supervisor.Fatal(ErrMissingCredentials)
	}
	if s.invalid || !s.tok.Valid() {
		if err := s.refresh(ctx); err != nil {
			return session.Credentials{}, err
		}
	}
	return session.Credentials{Token: s.tok.AccessToken, Nickname: s.opts.Nickname, Channel: s.opts.Channel}, nil
}

// Invalidate implements supervisor.Invalidator: the next Credentials call
// refreshes.
func (s *RefreshingSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
	s.log.Info("chat token rejected, will refresh before next attempt")
}

// RefreshIfExpiring refreshes the token when it expires within window. It
// does nothing when there is no refresh token or no app registration, or
// when the expiry is unknown.
func (s *RefreshingSource) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return false, err
	}
	if s.tok == nil || s.tok.RefreshToken == "" || s.opts.OAuth == nil || s.tok.Expiry.IsZero() {
		return false, nil
	}
	if time.Until(s.tok.Expiry) > window {
		return false, nil
	}
	if err := s.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Reload drops the cached token so the next Credentials call reads the store
// again, e.g. after a token was saved by the authorization flow.
func (s *RefreshingSource) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.invalid = false
	s.tok = nil
}

// load reads the stored token once. A store error is retryable.
func (s *RefreshingSource) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	seed := s.opts.Seed
	if s.opts.Store != nil {
		stored, err := s.opts.Store.GetOAuthToken(ctx, Provider)
		if err != nil {
			return fmt.Errorf("twitchapi: load stored token: %w", err)
		}
		if stored.Access != "" || stored.Refresh != "" {
			seed = stored
			s.log.Debug("using stored chat token", slog.Time("expires_at", stored.Expiry))
		}
	}
	if seed.Access != "" || seed.Refresh != "" {
		s.tok = &oauth2.Token{AccessToken: seed.Access, RefreshToken: seed.Refresh, Expiry: seed.Expiry, TokenType: "bearer"}
		s.scope = seed.Scope
	}
	s.loaded = true
	return nil
}

func (s *RefreshingSource) refresh(ctx context.Context) error {
	if s.tok.RefreshToken == "" || s.opts.OAuth == nil {
		if s.tok.AccessToken == "" {
			return supervisor.Fatal(fmt.Errorf("%w: refresh token set but TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET missing", ErrMissingCredentials))
		}
		if s.invalid {
			// A hang-up during login also counts as a rejection, so the
			// token gets another try after the backoff.
			s.invalid = false
			s.log.Warn("chat token rejected and no refresh token configured, retrying it")
		}
		return nil
	}

	expired := &oauth2.Token{RefreshToken: s.tok.RefreshToken, Expiry: time.Unix(1, 0)}
	next, err := s.opts.OAuth.TokenSource(withClient(ctx, s.opts.HTTPClient), expired).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			// retried after the backoff; re-authorizing stores a new token
			return fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return fmt.Errorf("twitchapi: refresh chat token: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = s.tok.RefreshToken
	}
	if sc := TokenScope(next); sc != "" {
		s.scope = sc
	}
	s.tok = next
	s.invalid = false
	s.log.Info("chat token refreshed", slog.Time("expires_at", next.Expiry))

	if s.opts.Store != nil {
		err := s.opts.Store.UpsertOAuthToken(ctx, Provider, db.Token{
			Access:  next.AccessToken,
			Refresh: next.RefreshToken,
			Expiry:  next.Expiry,
			Scope:   s.scope,
		})
		if err != nil {
			s.log.Warn("token persist failed", slog.Any("err", err))
		}
	}
	return nil
}
