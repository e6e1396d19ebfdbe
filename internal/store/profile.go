package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
)

const profileColumns = `p.id, p.display_name, p.address, p.avatar_url, p.status, p.last_seen, COALESCE(p.invite_code, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Identity, error) {
	var (
		id       model.Identity
		status   string
		lastSeen int64
	)
	if err := row.Scan(&id.ID, &id.DisplayName, &id.Address, &id.AvatarURL, &status, &lastSeen, &id.InviteCode); err != nil {
		return nil, err
	}
	id.Status = model.ParsePresence(status)
	id.LastSeen = fromMillis(lastSeen)
	return &id, nil
}

// GetProfile returns a profile by id, or nil if it does not exist.
func (db *DB) GetProfile(ctx context.Context, id string) (*model.Identity, error) {
	p, err := scanProfile(db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies owner edits to the actor's own profile.
func (db *DB) UpdateProfile(ctx context.Context, actor string, upd platform.ProfileUpdate) error {
	res, err := db.ExecContext(ctx, `
		UPDATE profiles SET
			display_name = COALESCE(?, display_name),
			avatar_url = COALESCE(?, avatar_url),
			updated_at = ?
		WHERE id = ?`,
		upd.DisplayName, upd.AvatarURL, db.now().UnixMilli(), actor)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, failure.CodeNotFound, "profile not found")
	}
	db.emitChange(bus.Change{Table: "profiles", Op: bus.OpUpdate, RowID: actor, UserIDs: []string{actor}})
	return nil
}

// SetInviteCode stores code as the actor's single active invite code.
// A code already held by another profile yields platform.ErrUniqueViolation.
func (db *DB) SetInviteCode(ctx context.Context, actor, code string) error {
	res, err := db.ExecContext(ctx, `UPDATE profiles SET invite_code = ?, updated_at = ? WHERE id = ?`,
		code, db.now().UnixMilli(), actor)
	if isUniqueViolation(err) {
		return platform.ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("set invite code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, failure.CodeNotFound, "profile not found")
	}
	db.emitChange(bus.Change{Table: "profiles", Op: bus.OpUpdate, RowID: actor, UserIDs: []string{actor}})
	return nil
}

// UpdateUserStatus sets the actor's presence and bumps last_seen.
func (db *DB) UpdateUserStatus(ctx context.Context, actor string, status model.Presence) error {
	now := db.now().UnixMilli()
	res, err := db.ExecContext(ctx, `UPDATE profiles SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		string(status), now, now, actor)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, failure.CodeNotFound, "profile not found")
	}
	db.emitChange(bus.Change{
		Table:   "profiles",
		Op:      bus.OpUpdate,
		RowID:   actor,
		UserIDs: []string{actor},
		Record:  map[string]any{"status": string(status), "last_seen": now},
	})
	return nil
}
