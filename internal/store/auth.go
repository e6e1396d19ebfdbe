package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/platform"
	"golang.org/x/crypto/bcrypt"
)

const minSecretLen = 6

var errBadCredentials = failure.New(failure.Validation, failure.CodeInvalidCredentials, "invalid email or password")

// OnAuthStateChange subscribes to auth.* events emitted by the identity provider.
func (db *DB) OnAuthStateChange() *bus.Subscription {
	return db.events.Subscribe("auth.", 16)
}

// SignUp registers an account and creates its profile row. Without
// confirmation the returned result carries a fresh session.
func (db *DB) SignUp(ctx context.Context, address, secret string, meta map[string]string) (*platform.SignUpResult, error) {
	address = normalizeAddress(address)
	if !strings.Contains(address, "@") {
		return nil, failure.New(failure.Validation, failure.CodeInvalidInput, "a valid email address is required")
	}
	if len(secret) < minSecretLen {
		return nil, failure.New(failure.Validation, failure.CodeInvalidInput, fmt.Sprintf("password must be at least %d characters", minSecretLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	name := strings.TrimSpace(meta["name"])
	if name == "" {
		name, _, _ = strings.Cut(address, "@")
	}

	userID := uuid.NewString()
	now := db.now().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auth_users (id, address, secret_hash, confirmed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, address, hash, !db.requireConfirmation, now); err != nil {
		if isUniqueViolation(err) {
			return nil, failure.New(failure.Validation, failure.CodeDuplicate, "an account with this email already exists")
		}
		return nil, fmt.Errorf("insert auth user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, address, avatar_url, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?, 'offline', ?, ?)`,
		userID, name, address, meta["avatar_url"], now, now); err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	result := &platform.SignUpResult{UserID: userID}
	if !db.requireConfirmation {
		token, err := createSession(ctx, tx, userID, now)
		if err != nil {
			return nil, err
		}
		result.Session = &platform.AuthSession{UserID: userID, Token: token}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	db.emitChange(bus.Change{Table: "profiles", Op: bus.OpInsert, RowID: userID, UserIDs: []string{userID}})
	return result, nil
}

// Confirm completes secondary verification for an address and signs the
// account in, announcing it with an auth.signed_in event.
func (db *DB) Confirm(ctx context.Context, address string) (*platform.AuthSession, error) {
	address = normalizeAddress(address)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM auth_users WHERE address = ?`, address).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.New(failure.NotFound, failure.CodeNotFound, "no account for this email")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup auth user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE auth_users SET confirmed = 1 WHERE id = ?`, userID); err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	token, err := createSession(ctx, tx, userID, db.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	sess := &platform.AuthSession{UserID: userID, Token: token}
	db.events.Emit(bus.AuthSignedIn, bus.AuthChange{UserID: userID, Token: token})
	return sess, nil
}

// SignIn verifies credentials and opens a new session.
func (db *DB) SignIn(ctx context.Context, address, secret string) (*platform.AuthSession, error) {
	address = normalizeAddress(address)

	var (
		userID    string
		hash      []byte
		confirmed bool
	)
	err := db.QueryRowContext(ctx, `SELECT id, secret_hash, confirmed FROM auth_users WHERE address = ?`, address).
		Scan(&userID, &hash, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup auth user: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return nil, errBadCredentials
	}
	if !confirmed {
		return nil, failure.New(failure.Validation, failure.CodeInvalidCredentials, "email address not confirmed yet")
	}

	token, err := createSession(ctx, db, userID, db.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return &platform.AuthSession{UserID: userID, Token: token}, nil
}

// SignOut revokes a session token.
func (db *DB) SignOut(ctx context.Context, token string) error {
	var userID string
	err := db.QueryRowContext(ctx, `DELETE FROM auth_sessions WHERE token = ? RETURNING user_id`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	db.events.Emit(bus.AuthSignedOut, bus.AuthChange{UserID: userID, Token: token})
	return nil
}

// GetSession resolves a token to its session, or returns a not-found failure.
func (db *DB) GetSession(ctx context.Context, token string) (*platform.AuthSession, error) {
	var userID string
	err := db.QueryRowContext(ctx, `SELECT user_id FROM auth_sessions WHERE token = ?`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.New(failure.NotFound, failure.CodeNotFound, "session expired")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return &platform.AuthSession{UserID: userID, Token: token}, nil
}

// UpdateCredential replaces the secret of the session's account.
func (db *DB) UpdateCredential(ctx context.Context, token, secret string) error {
	if len(secret) < minSecretLen {
		return failure.New(failure.Validation, failure.CodeInvalidInput, fmt.Sprintf("password must be at least %d characters", minSecretLen))
	}
	sess, err := db.GetSession(ctx, token)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE auth_users SET secret_hash = ? WHERE id = ?`, hash, sess.UserID); err != nil {
		return fmt.Errorf("update secret: %w", err)
	}
	db.events.Emit(bus.AuthUserUpdated, bus.AuthChange{UserID: sess.UserID, Token: token})
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createSession(ctx context.Context, q execer, userID string, now int64) (string, error) {
	token := uuid.NewString()
	if _, err := q.ExecContext(ctx, `INSERT INTO auth_sessions (token, user_id, created_at) VALUES (?, ?, ?)`, token, userID, now); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
