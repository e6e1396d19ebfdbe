package model

import (
	"cmp"
	"time"
)

// Identity is a registered account as seen through its profile row.
type Identity struct {
	ID          string
	DisplayName string
	Address     string
	AvatarURL   string
	Status      Presence
	LastSeen    time.Time
	InviteCode  string
}

// Conversation is a direct or group channel the session identity participates in.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Name         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Identity
	Preview      *Message
}

// HasParticipant reports whether id is one of the conversation's participants.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Message is a single entry in a conversation log. Sender fields are
// denormalized for rendering.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Content        string
	Type           MessageType
	CreatedAt      time.Time
}

// CompareMessages orders messages by creation time, then id.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// FriendRequest is a directed request from SenderID to ReceiverID.
type FriendRequest struct {
	ID         string
	SenderID   string
	ReceiverID string
	Status     RequestStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Counterpart is the other side of the request relative to the viewer,
	// filled in by the backend when available.
	Counterpart *Identity
}

// Friendship is an unordered identity pair stored with UserA < UserB.
type Friendship struct {
	UserA     string
	UserB     string
	CreatedAt time.Time
}

// NewFriendship returns the canonical friendship row for the pair.
func NewFriendship(a, b string, at time.Time) Friendship {
	lo, hi := CanonicalPair(a, b)
	return Friendship{UserA: lo, UserB: hi, CreatedAt: at}
}

// CanonicalPair orders two identity ids lower first.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// DirectKey is the uniqueness key of the direct conversation between a and b.
func DirectKey(a, b string) string {
	lo, hi := CanonicalPair(a, b)
	return lo + ":" + hi
}

// TypingSignal is the latest typing state of one identity in one conversation.
type TypingSignal struct {
	ConversationID string
	IdentityID     string
	Typing         bool
	At             time.Time
}
