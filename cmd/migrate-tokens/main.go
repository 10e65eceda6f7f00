// Package main encrypts OAuth tokens that were stored before ENCRYPTION_KEY
// was configured.
//
// Usage:
//
//	migrate-tokens [-dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export DB_DSN="sqlite://soundalert.db"
//	export ENCRYPTION_KEY="$(seed-token -gen-key)"
//	./migrate-tokens -dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/config"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := run(context.Background(), cfg.DBDsn, cfg.EncryptionKey, *dryRun, os.Stdout); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func run(ctx context.Context, dsn, key string, dryRun bool, out io.Writer) error {
	if dsn == "" {
		return errors.New("DB_DSN environment variable is required")
	}
	if key == "" {
		return errors.New("ENCRYPTION_KEY environment variable is required for migration")
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("initialize sealer: %w", err)
	}
	store, err := db.Open(ctx, dsn, sealer)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	n, err := store.SealPlaintextTokens(ctx, dryRun)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(out, "would encrypt %d token(s) (dry-run)\n", n)
	} else {
		fmt.Fprintf(out, "encrypted %d token(s)\n", n)
	}

	status, err := store.TokenEncryptionStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "plaintext: %d, encrypted (AES-256-GCM): %d\n", status[0], status[1])
	return nil
}
