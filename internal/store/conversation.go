package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
)

var errConversationDenied = failure.New(failure.Authorization, failure.CodeNotFoundOrDenied, "conversation not found")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireParticipant(ctx context.Context, q querier, conversationID, actor string) error {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, actor).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errConversationDenied
	}
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	return nil
}

// ListConversations returns every conversation the actor participates in,
// most recently updated first, with participants in join order. Previews
// are not filled in.
func (db *DB) ListConversations(ctx context.Context, actor string) ([]model.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = ?
		ORDER BY c.updated_at DESC, c.id ASC`, actor)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var (
		convs []model.Conversation
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			c                    model.Conversation
			kind                 string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Name, &createdAt, &updatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.Kind = model.ParseConversationKind(kind)
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	prows, err := db.QueryContext(ctx, `
		SELECT cp.conversation_id, `+profileColumns+`
		FROM conversation_participants cp
		JOIN profiles p ON p.id = cp.user_id
		WHERE cp.conversation_id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = ?)
		ORDER BY cp.conversation_id, cp.position, cp.user_id`, actor)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer func() { _ = prows.Close() }()

	for prows.Next() {
		var convID string
		p, err := scanProfile(scanFunc(func(dest ...any) error {
			return prows.Scan(append([]any{&convID}, dest...)...)
		}))
		if err != nil {
			return nil, err
		}
		if i, ok := index[convID]; ok {
			convs[i].Participants = append(convs[i].Participants, *p)
		}
	}
	return convs, prows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// FindDirectConversation returns the direct conversation between a and b, if any.
func (db *DB) FindDirectConversation(ctx context.Context, a, b string) (string, bool, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		WHERE c.kind = 'direct' AND c.direct_key = ?
			AND (SELECT COUNT(*) FROM conversation_participants cp
			     WHERE cp.conversation_id = c.id AND cp.user_id IN (?, ?)) = 2`,
		model.DirectKey(a, b), a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find direct conversation: %w", err)
	}
	return id, true, nil
}

// CreateDirectConversation creates the direct conversation between actor and
// other. If one already exists for the pair it returns platform.ErrUniqueViolation.
func (db *DB) CreateDirectConversation(ctx context.Context, actor, other string) (string, error) {
	if err := validateDirectPair(actor, other); err != nil {
		return "", err
	}
	if p, err := db.GetProfile(ctx, other); err != nil {
		return "", err
	} else if p == nil {
		return "", failure.New(failure.NotFound, failure.CodeNotFound, "user not found")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertDirectConversation(ctx, tx, actor, other, db.now().UnixMilli())
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	db.emitConversationCreated(id, actor, other)
	return id, nil
}

// GetOrCreateConversation atomically returns the direct conversation between
// actor and other, creating it when missing.
func (db *DB) GetOrCreateConversation(ctx context.Context, actor, other string) (string, error) {
	if err := validateDirectPair(actor, other); err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, model.DirectKey(actor, other)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("find direct conversation: %w", err)
	}

	id, err = insertDirectConversation(ctx, tx, actor, other, db.now().UnixMilli())
	if err != nil {
		if isForeignKeyViolation(err) {
			return "", failure.New(failure.NotFound, failure.CodeNotFound, "user not found")
		}
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	db.emitConversationCreated(id, actor, other)
	return id, nil
}

func validateDirectPair(actor, other string) error {
	if actor == "" || other == "" {
		return failure.New(failure.Validation, failure.CodeInvalidInput, "both participants are required")
	}
	if actor == other {
		return failure.New(failure.Validation, failure.CodeInvalidInput, "cannot start a conversation with yourself")
	}
	return nil
}

func insertDirectConversation(ctx context.Context, tx *sql.Tx, actor, other string, now int64) (string, error) {
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, direct_key, created_at, updated_at)
		VALUES (?, 'direct', '', ?, ?, ?)`,
		id, model.DirectKey(actor, other), now, now); err != nil {
		if isUniqueViolation(err) {
			return "", platform.ErrUniqueViolation
		}
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	for pos, uid := range []string{actor, other} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, position, joined_at)
			VALUES (?, ?, ?, ?)`, id, uid, pos, now); err != nil {
			return "", fmt.Errorf("insert participant: %w", err)
		}
	}
	return id, nil
}

func (db *DB) emitConversationCreated(id, actor, other string) {
	db.emitChange(bus.Change{Table: "conversations", Op: bus.OpInsert, RowID: id, ConversationID: id, UserIDs: []string{actor, other}})
	db.emitChange(bus.Change{Table: "conversation_participants", Op: bus.OpInsert, RowID: id, ConversationID: id, UserIDs: []string{actor, other}})
}

// TouchConversation bumps the conversation's last-update timestamp. Older
// timestamps never move it backwards.
func (db *DB) TouchConversation(ctx context.Context, actor, conversationID string, at time.Time) error {
	if err := requireParticipant(ctx, db, conversationID, actor); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		at.UnixMilli(), conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	db.emitChange(bus.Change{Table: "conversations", Op: bus.OpUpdate, RowID: conversationID, ConversationID: conversationID})
	return nil
}
