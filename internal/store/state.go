package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/platform"
)

// SetState writes a client-side key/value entry.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO client_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, db.now().UnixMilli())
	return err
}

// GetState reads a client-side key/value entry. Missing keys return "".
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// DeleteState removes a client-side key/value entry.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM client_state WHERE key = ?`, key)
	return err
}

// TokenStore persists a session token under a key derived from
// platform.TokenKey.
type TokenStore struct {
	db  *DB
	key string
}

// Tokens returns the token store backed by this database.
func (db *DB) Tokens() *TokenStore {
	return &TokenStore{db: db, key: platform.TokenKey}
}

// ProfileTokens returns a token store keyed by profile, so profiles sharing
// one database keep separate sessions.
func (db *DB) ProfileTokens(profile string) *TokenStore {
	return &TokenStore{db: db, key: platform.TokenKey + "." + profile}
}

var _ platform.TokenStore = (*TokenStore)(nil)

func (t *TokenStore) LoadToken(ctx context.Context) (string, error) {
	v, err := t.db.GetState(ctx, t.key)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return v, nil
}

func (t *TokenStore) SaveToken(ctx context.Context, token string) error {
	if err := t.db.SetState(ctx, t.key, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (t *TokenStore) ClearToken(ctx context.Context) error {
	if err := t.db.DeleteState(ctx, t.key); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Feed is the in-process change feed of the local platform.
type Feed struct {
	db *DB
}

// Feed returns the change feed backed by this database.
func (db *DB) Feed() *Feed {
	return &Feed{db: db}
}

var _ platform.Feed = (*Feed)(nil)

// Subscribe opens a subscription delivering every change.* event.
func (f *Feed) Subscribe(_ context.Context) (*bus.Subscription, error) {
	return f.db.events.Subscribe(bus.ChangePrefix, 1024), nil
}

var (
	_ platform.Auth = (*DB)(nil)
	_ platform.Data = (*DB)(nil)
)
