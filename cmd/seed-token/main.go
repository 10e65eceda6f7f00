// Command seed-token puts the bot account's chat token into the database so
// the bot can refresh it on its own afterwards.
//
// Usage:
//
//	seed-token -access TOKEN [-refresh TOKEN] [-expires-in SECONDS]
//	seed-token -authorize          print the URL that grants chat scopes
//	seed-token -code CODE          exchange the code from the redirect
//	seed-token -gen-key            print a fresh ENCRYPTION_KEY
//
// DB_DSN is required except for -authorize and -gen-key. Tokens are
// encrypted when ENCRYPTION_KEY is set.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/config"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/twitchapi"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Args[1:], os.Stdout, oauthConfig(cfg), nil); err != nil {
		slog.Error("seed-token failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// run is main without the process exits. oc is the app registration; hc
// overrides the HTTP client used for the code exchange.
func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer, oc *oauth2.Config, hc *http.Client) error {
	fs := flag.NewFlagSet("seed-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	access := fs.String("access", "", "user access token (oauth: prefix optional)")
	refresh := fs.String("refresh", "", "refresh token")
	expiresIn := fs.Int("expires-in", 0, "access token lifetime in seconds (0: unknown)")
	scope := fs.String("scope", "", "granted scopes, space separated")
	authorize := fs.Bool("authorize", false, "print the authorization URL and exit")
	code := fs.String("code", "", "authorization code to exchange")
	genKey := fs.Bool("gen-key", false, "print a new ENCRYPTION_KEY and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *genKey:
		key, err := crypto.NewKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, key)
		return nil
	case *authorize:
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		u, err := twitchapi.BuildAuthorizeURL(oc, hex.EncodeToString(b))
		if err != nil {
			return fmt.Errorf("%w (set TWITCH_CLIENT_ID and TWITCH_REDIRECT_URI)", err)
		}
		fmt.Fprintln(out, u)
		return nil
	}

	var tok db.Token
	switch {
	case *code != "":
		if oc.ClientID == "" || oc.ClientSecret == "" {
			return errors.New("exchanging a code requires TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
		}
		res, err := twitchapi.ExchangeAuthCode(ctx, oc, *code, hc)
		if err != nil {
			return err
		}
		tok = db.Token{Access: res.AccessToken, Refresh: res.RefreshToken, Expiry: res.Expiry, Scope: twitchapi.TokenScope(res)}
	case *access != "" || *refresh != "":
		tok = db.Token{Access: strings.TrimPrefix(*access, "oauth:"), Refresh: *refresh, Scope: *scope}
		if *expiresIn > 0 {
			tok.Expiry = twitchapi.ComputeExpiry(*expiresIn)
		}
	default:
		return errors.New("nothing to do: pass -access/-refresh, -code, -authorize or -gen-key")
	}

	if cfg.DBDsn == "" {
		return errors.New("DB_DSN is required to store the token")
	}
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		sealer = s
	}
	store, err := db.Open(ctx, cfg.DBDsn, sealer)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if err := store.UpsertOAuthToken(ctx, twitchapi.Provider, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored %s token (refresh token: %v, encrypted: %v)\n", twitchapi.Provider, tok.Refresh != "", sealer != nil)
	return nil
}

func oauthConfig(cfg *config.Config) *oauth2.Config {
	return twitchapi.NewOAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, twitchapi.ParseScopes(cfg.TwitchScopes)...)
}
