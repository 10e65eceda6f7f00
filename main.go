// Command soundalert is a Twitch chat bot that plays a sound when a chat
// message contains a configured trigger phrase. It:
//   - Loads configuration from the environment and an optional JSON/YAML file.
//   - Opens the audio device, falling back to log-only playback when there is none.
//   - Optionally opens a database for token persistence and trigger history.
//   - Runs the chat bot and the status server (/healthz, /status, /metrics, /events).
//
// SIGHUP reloads the trigger table. Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/audio"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/chat"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/config"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/oauth"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/server"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/supervisor"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/twitchapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := run(); err != nil {
		slog.Error("soundalert exiting", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.EnsureFile(path); err != nil {
			if errors.Is(err, config.ErrTemplateWritten) {
				slog.Warn("created config template, edit it and start again", slog.String("path", path))
			}
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "soundalert", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	player, backend := audio.Probe(audio.ProbeOptions{SoundsDir: cfg.SoundsDir, Disabled: cfg.AudioDisabled})
	slog.Info("audio backend ready", slog.String("backend", backend))

	var store *db.Store
	if cfg.DBDsn != "" {
		store, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	oauthCfg := twitchapi.NewOAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, twitchapi.ParseScopes(cfg.TwitchScopes)...)
	var source *twitchapi.RefreshingSource
	if cfg.CanRefresh() || store != nil {
		opts := twitchapi.SourceOptions{
			Nickname: cfg.TwitchBotUsername,
			Channel:  cfg.TwitchChannel,
			Seed:     db.Token{Access: strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:"), Refresh: cfg.TwitchRefreshToken},
		}
		if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
			opts.OAuth = oauthCfg
		}
		if store != nil {
			opts.Store = store
		}
		source = twitchapi.NewRefreshingSource(opts)
		if opts.OAuth != nil {
			oauth.StartRefresher(ctx, source, twitchapi.Provider, 0, 0)
		}
	}

	bus := events.NewBus()
	defer bus.Close()
	ctrl := chat.New(bus, slog.Default())
	b := &bot{
		ctx:    ctx,
		ctrl:   ctrl,
		player: player,
		source: source,
		store:  store,
	}

	if err := b.startWith(cfg); err != nil {
		return err
	}
	go reloadOnHangup(ctx, ctrl)

	if cfg.StatusAddr == "" {
		err := ctrl.Wait()
		ctrl.Stop()
		return err
	}

	if cfg.AdminToken == "" && !server.IsLoopback(cfg.StatusAddr) {
		slog.Warn("status server listens beyond localhost without ADMIN_TOKEN", slog.String("addr", cfg.StatusAddr))
	}
	opts := server.Options{
		Bot:         ctrl,
		Lifecycle:   b,
		Events:      bus,
		AdminToken:  cfg.AdminToken,
		RateLimit:   cfg.RateLimitRequests,
		RateWindow:  cfg.RateLimitWindow,
		CORSOrigins: cfg.CORSAllowedOrigins,
		OAuth:       oauthCfg,
	}
	if store != nil {
		opts.History = store
		opts.DB = store
		opts.Tokens = store
	}
	if source != nil {
		opts.Reloader = source
	}
	srvErr := server.Start(ctx, cfg.StatusAddr, server.NewMux(ctx, opts))

	ctrl.Stop()
	slog.Info("shutdown complete")
	return srvErr
}

// bot starts the controller from the current configuration. It implements
// server.Lifecycle.
type bot struct {
	ctx    context.Context // process lifetime; runs never inherit a request context
	ctrl   *chat.Controller
	player audio.Player
	source *twitchapi.RefreshingSource
	store  *db.Store
}

// Start re-reads the configuration so fixes made while stopped apply.
func (b *bot) Start(context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return b.startWith(cfg)
}

func (b *bot) Stop() { b.ctrl.Stop() }

func (b *bot) startWith(cfg *config.Config) error {
	minDelay, maxDelay := cfg.ReconnectBounds()
	cc := chat.Config{
		Credentials:   cfg.Credentials(),
		Session:       cfg.SessionOptions(),
		Triggers:      cfg.Triggers,
		Mode:          cfg.Mode(),
		MinDelay:      minDelay,
		MaxDelay:      maxDelay,
		QueueCapacity: cfg.DispatchCapacity,
		Workers:       cfg.MaxConcurrentPlayback,
		Player:        b.player,
	}
	if b.source != nil {
		cc.Source = b.source
	}
	if b.store != nil {
		cc.History = b.store
	}
	return b.ctrl.Start(b.ctx, cc)
}

func openStore(ctx context.Context, cfg *config.Config) (*db.Store, error) {
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		sealer = s
	}
	store, err := db.Open(ctx, cfg.DBDsn, sealer)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("dialect", string(store.Dialect())))
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// reloadOnHangup swaps in the trigger table from disk on every SIGHUP.
func reloadOnHangup(ctx context.Context, ctrl *chat.Controller) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			n, err := reloadTriggers(ctrl)
			if err != nil {
				slog.Error("trigger reload failed, keeping current table", slog.Any("err", err))
				continue
			}
			slog.Info("triggers reloaded", slog.Int("count", n))
		}
	}
}

func reloadTriggers(ctrl interface{ ReloadTriggers(map[string]string) int }) (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}
	if cfg.TriggerSource() == "" {
		return 0, errors.New("no TRIGGERS_FILE or CONFIG_FILE to reload from")
	}
	return ctrl.ReloadTriggers(cfg.Triggers), nil
}

// setupLogging configures the default logger (level + format). Defaults:
// level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", slog.String("level", lvl.String()))
}

var _ supervisor.CredentialSource = (*twitchapi.RefreshingSource)(nil)
var _ server.Lifecycle = (*bot)(nil)
