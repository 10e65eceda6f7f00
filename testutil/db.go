package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
)

// SetupTestStore opens a migrated store. It uses Postgres when TEST_PG_DSN is
// set and a fresh SQLite file under t.TempDir() otherwise. sealer may be nil.
func SetupTestStore(t *testing.T, sealer *crypto.Sealer) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "bot.db")
	}
	ctx := context.Background()
	store, err := db.Open(ctx, dsn, sealer)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if store.Dialect() == db.Postgres {
		// shared database: start each test from empty tables
		for _, table := range []string{"trigger_events", "oauth_tokens"} {
			if _, err := store.DB.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("failed to reset %s: %v", table, err)
			}
		}
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// TestSealer returns a sealer with a random key.
func TestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
