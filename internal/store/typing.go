package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertTypingSignal records the latest typing state of an identity in a
// conversation. Only one row per (conversation, identity) exists, and a
// signal older than the stored one is dropped without a change event.
func (db *DB) UpsertTypingSignal(ctx context.Context, sig model.TypingSignal) error {
	if err := requireParticipant(ctx, db, sig.ConversationID, sig.IdentityID); err != nil {
		return err
	}
	at := sig.At
	if at.IsZero() {
		at = db.now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO typing_signals (conversation_id, user_id, is_typing, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			is_typing = excluded.is_typing,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= typing_signals.updated_at`,
		sig.ConversationID, sig.IdentityID, sig.Typing, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert typing signal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	db.emitChange(bus.Change{
		Table:          "typing_signals",
		Op:             bus.OpUpdate,
		RowID:          sig.ConversationID + ":" + sig.IdentityID,
		ConversationID: sig.ConversationID,
		UserIDs:        []string{sig.IdentityID},
		Record: map[string]any{
			"user_id":   sig.IdentityID,
			"is_typing": sig.Typing,
			"at":        at.UnixMilli(),
		},
	})
	return nil
}
