package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/config"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/testutil"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/twitchapi"
)

func storedToken(t *testing.T, cfg *config.Config) db.Token {
	t.Helper()
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			t.Fatal(err)
		}
		sealer = s
	}
	store, err := db.Open(context.Background(), cfg.DBDsn, sealer)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tok, err := store.GetOAuthToken(context.Background(), twitchapi.Provider)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSeedAccessAndRefresh(t *testing.T) {
	key, _ := crypto.NewKey()
	cfg := &config.Config{DBDsn: filepath.Join(t.TempDir(), "bot.db"), EncryptionKey: key}
	var out bytes.Buffer
	args := []string{"-access", "oauth:abc123", "-refresh", "ref456", "-expires-in", "3600", "-scope", "chat:read chat:edit"}
	if err := run(context.Background(), cfg, args, &out, oauthConfig(cfg), nil); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if !strings.Contains(out.String(), "encrypted: true") {
		t.Errorf("output = %q", out.String())
	}
	tok := storedToken(t, cfg)
	if tok.Access != "abc123" || tok.Refresh != "ref456" || tok.Scope != "chat:read chat:edit" || tok.Expiry.IsZero() {
		t.Errorf("stored = %+v", tok)
	}
}

func TestSeedFromCode(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("code-access", "code-refresh", 14000)
	cfg := &config.Config{DBDsn: filepath.Join(t.TempDir(), "bot.db")}
	oc := twitchapi.NewOAuthConfig("client-id", "client-secret", "http://localhost/cb")
	oc.Endpoint.TokenURL = m.TokenURL()

	var out bytes.Buffer
	if err := run(context.Background(), cfg, []string{"-code", "xyz"}, &out, oc, m.Client()); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	tok := storedToken(t, cfg)
	if tok.Access != "code-access" || tok.Refresh != "code-refresh" || tok.Scope != "chat:read chat:edit" {
		t.Errorf("stored = %+v", tok)
	}
}

func TestSeedModes(t *testing.T) {
	cfg := &config.Config{TwitchClientID: "client-id", TwitchRedirectURI: "http://localhost/cb", TwitchScopes: "chat:read"}

	var out bytes.Buffer
	if err := run(context.Background(), cfg, []string{"-authorize"}, &out, oauthConfig(cfg), nil); err != nil {
		t.Fatalf("-authorize: %v", err)
	}
	if !strings.HasPrefix(out.String(), "https://id.twitch.tv/oauth2/authorize?") || !strings.Contains(out.String(), "scope=chat%3Aread") {
		t.Errorf("-authorize output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), cfg, []string{"-gen-key"}, &out, nil, nil); err != nil {
		t.Fatalf("-gen-key: %v", err)
	}
	if _, err := crypto.NewSealer(strings.TrimSpace(out.String())); err != nil {
		t.Errorf("generated key unusable: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"nothing", nil, "nothing to do"},
		{"no database", []string{"-access", "abc"}, "DB_DSN"},
		{"code without secret", []string{"-code", "xyz"}, "TWITCH_CLIENT_SECRET"},
		{"unknown flag", []string{"-bogus"}, "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), cfg, tt.args, &bytes.Buffer{}, oauthConfig(cfg), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}
