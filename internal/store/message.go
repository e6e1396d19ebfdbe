package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, p.display_name, p.avatar_url, m.content, m.message_type, m.created_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m         model.Message
		typ       string
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Content, &typ, &createdAt); err != nil {
		return nil, err
	}
	m.Type = model.ParseMessageType(typ)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// ListMessages returns the full log of a conversation ordered by creation
// time ascending, ties broken by id.
func (db *DB) ListMessages(ctx context.Context, actor, conversationID string) ([]model.Message, error) {
	if err := requireParticipant(ctx, db, conversationID, actor); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN profiles p ON p.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the most recent message of a conversation, or nil.
func (db *DB) LatestMessage(ctx context.Context, actor, conversationID string) (*model.Message, error) {
	if err := requireParticipant(ctx, db, conversationID, actor); err != nil {
		return nil, err
	}
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN profiles p ON p.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}

// InsertMessage appends a message sent by actor. Message ids are time
// ordered so equal timestamps keep insertion order.
func (db *DB) InsertMessage(ctx context.Context, actor, conversationID, content string, typ model.MessageType) (*model.Message, error) {
	if err := requireParticipant(ctx, db, conversationID, actor); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	now := db.now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), conversationID, actor, content, string(typ), now); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN profiles p ON p.id = m.sender_id
		WHERE m.id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("read back message: %w", err)
	}

	db.emitChange(bus.Change{
		Table:          "messages",
		Op:             bus.OpInsert,
		RowID:          m.ID,
		ConversationID: conversationID,
		UserIDs:        []string{actor},
	})
	return m, nil
}
