// Package chat holds the conversation resolver and the conversation and
// message stores of the signed-in session.
package chat

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

// Resolver maps an identity pair to its single direct conversation.
type Resolver struct {
	data   platform.Data
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(data platform.Data, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{data: data, logger: logger}
}

// Resolve returns the direct conversation between selfID and otherID,
// creating it when none exists. Concurrent callers for the same pair, from
// either side, always get the same id.
func (r *Resolver) Resolve(ctx context.Context, selfID, otherID string) (string, error) {
	if selfID == "" || otherID == "" {
		return "", failure.New(failure.Validation, failure.CodeInvalidInput, "both participants are required")
	}
	if selfID == otherID {
		return "", failure.New(failure.Validation, failure.CodeInvalidInput, "you cannot start a conversation with yourself")
	}

	id, ok, err := r.data.FindDirectConversation(ctx, selfID, otherID)
	if err != nil {
		return "", failure.Wrap("could not open the conversation", err)
	}
	if ok {
		return id, nil
	}

	id, err = r.data.CreateDirectConversation(ctx, selfID, otherID)
	if err == nil {
		r.logger.Debug("created direct conversation", zap.String("conversation_id", id))
		return id, nil
	}
	if !errors.Is(err, platform.ErrUniqueViolation) {
		return "", failure.Wrap("could not open the conversation", err)
	}

	// Lost the race; the winner's row is authoritative.
	id, ok, err = r.data.FindDirectConversation(ctx, selfID, otherID)
	if err != nil {
		return "", failure.Wrap("could not open the conversation", err)
	}
	if ok {
		return id, nil
	}
	r.logger.Warn("direct conversation not visible after conflict, using server resolution",
		zap.String("self", selfID), zap.String("other", otherID))
	id, err = r.data.GetOrCreateConversation(ctx, selfID, otherID)
	if err != nil {
		return "", failure.Wrap("could not open the conversation", err)
	}
	return id, nil
}
