// Package db persists OAuth tokens and the trigger-fire history. It runs on
// Postgres (pgx) for shared deployments and SQLite for a single desktop
// install; the DSN picks the backend.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "github.com/mattn/go-sqlite3"    // sqlite driver registered as 'sqlite3'

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/crypto"
)

// Dialect names the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectFor reports which backend a DSN selects: postgres:// and
// postgresql:// URLs use Postgres, anything else is a SQLite path or URI.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Store is the bot's database handle.
type Store struct {
	DB      *sql.DB
	dialect Dialect
	sealer  *crypto.Sealer
}

// Open connects to dsn and checks the connection. sealer may be nil, in which
// case tokens are stored in plaintext.
func Open(ctx context.Context, dsn string, sealer *crypto.Sealer) (*Store, error) {
	d := DialectFor(dsn)
	driver := "pgx"
	if d == SQLite {
		driver = "sqlite3"
		dsn = strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite3://"), "sqlite://")
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", d, err)
	}
	if d == SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(5)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: ping %s: %w", d, err)
	}
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db"))
	}
	return &Store{DB: conn, dialect: d, sealer: sealer}, nil
}

// Dialect returns the backend in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
