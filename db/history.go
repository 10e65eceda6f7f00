package db

import (
	"context"
	"fmt"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
)

// MaxHistoryLimit caps ListTriggerFires.
const MaxHistoryLimit = 500

// TriggerFire is one recorded trigger.
type TriggerFire struct {
	ID       int64     `json:"id"`
	Channel  string    `json:"channel"`
	User     string    `json:"user"`
	Phrase   string    `json:"phrase"`
	ActionID string    `json:"action_id"`
	FiredAt  time.Time `json:"fired_at"`
}

// RecordTriggerFire stores a trigger_fired event.
func (s *Store) RecordTriggerFire(ctx context.Context, e events.Event) error {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(
		`INSERT INTO trigger_events(channel, username, phrase, action_id, fired_at) VALUES(?,?,?,?,?)`),
		e.Channel, e.User, e.Phrase, e.ActionID, at.UTC())
	if err != nil {
		return fmt.Errorf("db: record trigger fire: %w", err)
	}
	return nil
}

// ListTriggerFires returns the most recent fires, newest first. limit is
// clamped to [1, MaxHistoryLimit].
func (s *Store) ListTriggerFires(ctx context.Context, limit int) ([]TriggerFire, error) {
	limit = max(1, min(limit, MaxHistoryLimit))
	rows, err := s.DB.QueryContext(ctx, s.rebind(
		`SELECT id, channel, username, phrase, action_id, fired_at FROM trigger_events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("db: list trigger fires: %w", err)
	}
	defer rows.Close()

	out := make([]TriggerFire, 0, limit)
	for rows.Next() {
		var f TriggerFire
		if err := rows.Scan(&f.ID, &f.Channel, &f.User, &f.Phrase, &f.ActionID, &f.FiredAt); err != nil {
			return nil, fmt.Errorf("db: scan trigger fire: %w", err)
		}
		f.FiredAt = f.FiredAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
