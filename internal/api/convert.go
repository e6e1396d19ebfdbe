package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func identityToMap(id model.Identity) map[string]any {
	return map[string]any{
		"id":           id.ID,
		"display_name": id.DisplayName,
		"address":      id.Address,
		"avatar_url":   id.AvatarURL,
		"status":       string(id.Status),
		"last_seen_ms": millis(id.LastSeen),
	}
}

func identitiesToList(ids []model.Identity) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, identityToMap(id))
	}
	return out
}

func messageToMap(m model.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"sender_name":     m.SenderName,
		"content":         m.Content,
		"type":            string(m.Type),
		"created_at_ms":   millis(m.CreatedAt),
	}
}

func messagesToList(msgs []model.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToMap(m))
	}
	return out
}

func conversationToMap(c model.Conversation) map[string]any {
	m := map[string]any{
		"id":            c.ID,
		"kind":          string(c.Kind),
		"name":          c.Name,
		"created_at_ms": millis(c.CreatedAt),
		"updated_at_ms": millis(c.UpdatedAt),
		"participants":  identitiesToList(c.Participants),
	}
	if c.Preview != nil {
		m["preview"] = messageToMap(*c.Preview)
	}
	return m
}

func requestToMap(r model.FriendRequest) map[string]any {
	m := map[string]any{
		"id":            r.ID,
		"sender_id":     r.SenderID,
		"receiver_id":   r.ReceiverID,
		"status":        string(r.Status),
		"created_at_ms": millis(r.CreatedAt),
	}
	if r.Counterpart != nil {
		m["counterpart"] = identityToMap(*r.Counterpart)
	}
	return m
}

func requestsToList(reqs []model.FriendRequest) []any {
	out := make([]any, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, requestToMap(r))
	}
	return out
}

// eventPayload renders the payload of a watched bus event.
func eventPayload(payload any) map[string]any {
	switch p := payload.(type) {
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case model.TypingSignal:
		return map[string]any{
			"conversation_id": p.ConversationID,
			"identity_id":     p.IdentityID,
			"typing":          p.Typing,
			"at_ms":           millis(p.At),
		}
	default:
		return map[string]any{}
	}
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func requireField(req *structpb.Struct, key string) (string, error) {
	v := stringField(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}
