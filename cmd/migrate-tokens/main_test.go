package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/db"
)

func TestRunRequiresEnv(t *testing.T) {
	if err := run(context.Background(), "", "key", false, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "DB_DSN") {
		t.Errorf("run() without DSN = %v", err)
	}
	if err := run(context.Background(), "x.db", "", false, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Errorf("run() without key = %v", err)
	}
	if err := run(context.Background(), "x.db", "not-base64!", false, &bytes.Buffer{}); err == nil {
		t.Error("run() with bad key succeeded")
	}
}

func TestRunSealsTokens(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "bot.db")
	plain, err := db.Open(ctx, dsn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := plain.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := plain.UpsertOAuthToken(ctx, "twitch", db.Token{Access: "a", Refresh: "r"}); err != nil {
		t.Fatal(err)
	}
	plain.Close()

	key, err := crypto.NewKey()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(ctx, dsn, key, true, &out); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out.String(), "would encrypt 1 token(s)") || !strings.Contains(out.String(), "plaintext: 1") {
		t.Errorf("dry run output = %q", out.String())
	}

	out.Reset()
	if err := run(ctx, dsn, key, false, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "encrypted 1 token(s)") || !strings.Contains(out.String(), "encrypted (AES-256-GCM): 1") {
		t.Errorf("output = %q", out.String())
	}
}
