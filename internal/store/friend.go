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
	"github.com/matheus3301/chatsync/internal/model"
)

var (
	errSelfRequest    = failure.New(failure.Validation, failure.CodeSelfRequest, "you cannot send a friend request to yourself")
	errPendingRequest = failure.New(failure.Validation, failure.CodeDuplicate, "a friend request between you is already pending")
	errAlreadyFriends = failure.New(failure.Validation, failure.CodeDuplicate, "you are already friends")
	errInvalidCode    = failure.New(failure.Validation, failure.CodeInvalidCode, "invite code not recognized")
	errRequestDenied  = failure.New(failure.Authorization, failure.CodeNotFoundOrDenied, "friend request not found")
)

// ListFriendRequests returns every request sent or received by actor, newest
// first, each with the counterpart's profile.
func (db *DB) ListFriendRequests(ctx context.Context, actor string) ([]model.FriendRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.sender_id, r.receiver_id, r.status, r.created_at, r.updated_at, `+profileColumns+`
		FROM friend_requests r
		JOIN profiles p ON p.id = CASE WHEN r.sender_id = ? THEN r.receiver_id ELSE r.sender_id END
		WHERE r.sender_id = ? OR r.receiver_id = ?
		ORDER BY r.created_at DESC, r.id ASC`, actor, actor, actor)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []model.FriendRequest
	for rows.Next() {
		var (
			r                    model.FriendRequest
			status               string
			createdAt, updatedAt int64
		)
		p, err := scanProfile(scanFunc(func(dest ...any) error {
			return rows.Scan(append([]any{&r.ID, &r.SenderID, &r.ReceiverID, &status, &createdAt, &updatedAt}, dest...)...)
		}))
		if err != nil {
			return nil, err
		}
		r.Status = model.ParseRequestStatus(status)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		r.Counterpart = p
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// InsertFriendRequest creates a pending request from actor to receiver.
func (db *DB) InsertFriendRequest(ctx context.Context, actor, receiver string) (*model.FriendRequest, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req, err := db.insertFriendRequestTx(ctx, tx, actor, receiver)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	db.emitChange(bus.Change{Table: "friend_requests", Op: bus.OpInsert, RowID: req.ID, UserIDs: []string{actor, receiver}})
	return req, nil
}

// SendFriendRequestByInvite resolves an invite code to its owner and sends
// them a request from actor. Returns the new request id.
func (db *DB) SendFriendRequestByInvite(ctx context.Context, actor, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", errInvalidCode
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var receiver string
	err = tx.QueryRowContext(ctx, `SELECT id FROM profiles WHERE invite_code = ?`, code).Scan(&receiver)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errInvalidCode
	}
	if err != nil {
		return "", fmt.Errorf("resolve invite code: %w", err)
	}

	req, err := db.insertFriendRequestTx(ctx, tx, actor, receiver)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	db.emitChange(bus.Change{Table: "friend_requests", Op: bus.OpInsert, RowID: req.ID, UserIDs: []string{actor, receiver}})
	return req.ID, nil
}

func (db *DB) insertFriendRequestTx(ctx context.Context, tx *sql.Tx, actor, receiver string) (*model.FriendRequest, error) {
	if actor == receiver {
		return nil, errSelfRequest
	}

	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE id = ?`, receiver).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.New(failure.NotFound, failure.CodeNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup receiver: %w", err)
	}

	lo, hi := model.CanonicalPair(actor, receiver)
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM friendships WHERE user_a = ? AND user_b = ?`, lo, hi).Scan(&one)
	if err == nil {
		return nil, errAlreadyFriends
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check friendship: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM friend_requests
		WHERE status = 'pending'
			AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`,
		actor, receiver, receiver, actor).Scan(&one)
	if err == nil {
		return nil, errPendingRequest
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check pending: %w", err)
	}

	now := db.now()
	req := &model.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   actor,
		ReceiverID: receiver,
		Status:     model.RequestPending,
		CreatedAt:  fromMillis(now.UnixMilli()),
		UpdatedAt:  fromMillis(now.UnixMilli()),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO friend_requests (id, sender_id, receiver_id, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		req.ID, actor, receiver, now.UnixMilli(), now.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return nil, errPendingRequest
		}
		return nil, fmt.Errorf("insert friend request: %w", err)
	}
	return req, nil
}

// AcceptFriendRequest marks a pending request addressed to actor as accepted
// and creates the canonical friendship in the same transaction.
func (db *DB) AcceptFriendRequest(ctx context.Context, actor, requestID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sender string
	err = tx.QueryRowContext(ctx, `
		SELECT sender_id FROM friend_requests
		WHERE id = ? AND receiver_id = ? AND status = 'pending'`, requestID, actor).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return errRequestDenied
	}
	if err != nil {
		return fmt.Errorf("lookup friend request: %w", err)
	}

	now := db.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE friend_requests SET status = 'accepted', updated_at = ? WHERE id = ?`, now, requestID); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	f := model.NewFriendship(sender, actor, fromMillis(now))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO friendships (user_a, user_b, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_a, user_b) DO NOTHING`, f.UserA, f.UserB, now); err != nil {
		return fmt.Errorf("insert friendship: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.emitChange(bus.Change{Table: "friend_requests", Op: bus.OpUpdate, RowID: requestID, UserIDs: []string{sender, actor}})
	db.emitChange(bus.Change{Table: "friendships", Op: bus.OpInsert, RowID: f.UserA + ":" + f.UserB, UserIDs: []string{f.UserA, f.UserB}})
	return nil
}

// RejectFriendRequest marks a pending request addressed to actor as rejected.
func (db *DB) RejectFriendRequest(ctx context.Context, actor, requestID string) error {
	var sender string
	err := db.QueryRowContext(ctx, `
		UPDATE friend_requests SET status = 'rejected', updated_at = ?
		WHERE id = ? AND receiver_id = ? AND status = 'pending'
		RETURNING sender_id`, db.now().UnixMilli(), requestID, actor).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return errRequestDenied
	}
	if err != nil {
		return fmt.Errorf("reject friend request: %w", err)
	}
	db.emitChange(bus.Change{Table: "friend_requests", Op: bus.OpUpdate, RowID: requestID, UserIDs: []string{sender, actor}})
	return nil
}

// ListFriends returns the profiles of actor's friends ordered by name.
func (db *DB) ListFriends(ctx context.Context, actor string) ([]model.Identity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM friendships f
		JOIN profiles p ON p.id = CASE WHEN f.user_a = ? THEN f.user_b ELSE f.user_a END
		WHERE f.user_a = ? OR f.user_b = ?
		ORDER BY p.display_name ASC, p.id ASC`, actor, actor, actor)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var friends []model.Identity
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, *p)
	}
	return friends, rows.Err()
}
