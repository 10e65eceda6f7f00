package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token is a stored OAuth token pair.
type Token struct {
	Access  string
	Refresh string
	Expiry  time.Time
	Scope   string
}

const (
	encPlain  = 0
	encSealed = 1
)

// UpsertOAuthToken stores the token for provider, sealing it when the store
// has an encryption key.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider string, tok Token) error {
	access, refresh := tok.Access, tok.Refresh
	version := encPlain
	if s.sealer != nil {
		var err error
		if access, err = s.sealer.Seal(tok.Access); err != nil {
			return fmt.Errorf("db: seal access token: %w", err)
		}
		if refresh, err = s.sealer.Seal(tok.Refresh); err != nil {
			return fmt.Errorf("db: seal refresh token: %w", err)
		}
		version = encSealed
	}
	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry.UTC(), Valid: true}
	}
	q := s.rebind(`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			scope=excluded.scope,
			encryption_version=excluded.encryption_version,
			updated_at=excluded.updated_at`)
	if _, err := s.DB.ExecContext(ctx, q, provider, access, refresh, expiry, tok.Scope, version, time.Now().UTC()); err != nil {
		return fmt.Errorf("db: upsert oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken returns the stored token for provider; the zero Token when
// none is stored.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (Token, error) {
	var (
		tok     Token
		expiry  sql.NullTime
		version int
	)
	row := s.DB.QueryRowContext(ctx, s.rebind(
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version FROM oauth_tokens WHERE provider = ?`), provider)
	err := row.Scan(&tok.Access, &tok.Refresh, &expiry, &tok.Scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, nil
	}
	if err != nil {
		return Token{}, fmt.Errorf("db: get oauth token: %w", err)
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time.UTC()
	}
	if version == encSealed {
		if s.sealer == nil {
			return Token{}, errors.New("db: token is encrypted but ENCRYPTION_KEY is not configured")
		}
		if tok.Access, err = s.sealer.Open(tok.Access); err != nil {
			return Token{}, fmt.Errorf("db: open access token: %w", err)
		}
		if tok.Refresh, err = s.sealer.Open(tok.Refresh); err != nil {
			return Token{}, fmt.Errorf("db: open refresh token: %w", err)
		}
	}
	return tok, nil
}

// SealPlaintextTokens encrypts every token stored before ENCRYPTION_KEY was
// configured. With dryRun it only counts them. It returns the number of rows
// sealed (or that would be).
func (s *Store) SealPlaintextTokens(ctx context.Context, dryRun bool) (int, error) {
	if s.sealer == nil {
		return 0, errors.New("db: sealing tokens requires ENCRYPTION_KEY")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(
		`SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE encryption_version = ? ORDER BY provider`), encPlain)
	if err != nil {
		return 0, fmt.Errorf("db: query plaintext tokens: %w", err)
	}
	type plain struct{ provider, access, refresh string }
	var pending []plain
	for rows.Next() {
		var p plain
		if err := rows.Scan(&p.provider, &p.access, &p.refresh); err != nil {
			rows.Close()
			return 0, fmt.Errorf("db: scan token row: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("db: iterate token rows: %w", err)
	}
	if dryRun {
		return len(pending), nil
	}

	sealed := 0
	for _, p := range pending {
		if err := s.sealRow(ctx, p.provider, p.access, p.refresh); err != nil {
			return sealed, fmt.Errorf("db: seal %s token: %w", p.provider, err)
		}
		sealed++
	}
	return sealed, nil
}

func (s *Store) sealRow(ctx context.Context, provider, access, refresh string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if access, err = s.sealer.Seal(access); err != nil {
		return err
	}
	if refresh, err = s.sealer.Seal(refresh); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE oauth_tokens SET access_token = ?, refresh_token = ?, encryption_version = ?, updated_at = ?
		 WHERE provider = ? AND encryption_version = ?`),
		access, refresh, encSealed, time.Now().UTC(), provider, encPlain)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return tx.Commit()
}

// TokenEncryptionStatus counts stored tokens by encryption version
// (0 plaintext, 1 AES-256-GCM).
func (s *Store) TokenEncryptionStatus(ctx context.Context) (map[int]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version`)
	if err != nil {
		return nil, fmt.Errorf("db: token status: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, fmt.Errorf("db: scan token status: %w", err)
		}
		out[version] = count
	}
	return out, rows.Err()
}
