package bus

import (
	"strings"
	"time"
)

// Kind names an event. Kinds are dot-separated; subscribers filter by prefix.
type Kind string

const (
	// Change feed. Payload is Change.
	ChangePrefix Kind = "change."

	FeedReconnected  Kind = "feed.reconnected"
	FeedDisconnected Kind = "feed.disconnected"

	// Identity provider. Payload is AuthChange.
	AuthSignedIn    Kind = "auth.signed_in"
	AuthSignedOut   Kind = "auth.signed_out"
	AuthUserUpdated Kind = "auth.user_updated"

	SessionStatusChanged Kind = "session.status_changed"

	// Local store snapshots changed. Payload is nil.
	StoreConversations Kind = "store.conversations"
	StoreMessages      Kind = "store.messages"
	StoreDirectory     Kind = "store.directory"

	// Payload is model.TypingSignal.
	PresenceTyping Kind = "presence.typing"
)

// ChangeKind returns the change-feed kind for a table.
func ChangeKind(table string) Kind {
	return ChangePrefix + Kind(table)
}

// HasPrefix reports whether k falls under the namespace prefix.
func (k Kind) HasPrefix(prefix Kind) bool {
	return strings.HasPrefix(string(k), string(prefix))
}

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// Op is the row operation a change notification describes.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is a row-level change notification from the data store.
// ConversationID is set for rows scoped to a conversation.
type Change struct {
	Table          string         `json:"table"`
	Op             Op             `json:"op"`
	RowID          string         `json:"row_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserIDs        []string       `json:"user_ids,omitempty"`
	Record         map[string]any `json:"record,omitempty"`
}

// AuthChange is the payload of auth.* events.
type AuthChange struct {
	UserID string
	Token  string
}
