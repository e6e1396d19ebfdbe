package model

// Presence is an identity's online status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// ParsePresence maps a raw status string to a Presence. Unknown values are
// treated as offline.
func ParsePresence(s string) Presence {
	switch Presence(s) {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return Presence(s)
	default:
		return PresenceOffline
	}
}

// RequestStatus is the lifecycle state of a friend request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestUnknown  RequestStatus = "unknown"
)

// ParseRequestStatus maps a raw status string to a RequestStatus.
// Unrecognized values become RequestUnknown, which is never treated as pending.
func ParseRequestStatus(s string) RequestStatus {
	switch RequestStatus(s) {
	case RequestPending, RequestAccepted, RequestRejected:
		return RequestStatus(s)
	default:
		return RequestUnknown
	}
}

// ConversationKind distinguishes direct from group conversations.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindUnknown ConversationKind = "unknown"
)

// ParseConversationKind maps a raw kind string to a ConversationKind.
func ParseConversationKind(s string) ConversationKind {
	switch ConversationKind(s) {
	case KindDirect, KindGroup:
		return ConversationKind(s)
	default:
		return KindUnknown
	}
}

// MessageType tags the payload of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
)

// ParseMessageType maps a raw type string to a MessageType, falling back to text.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageText, MessageImage, MessageFile, MessageAudio:
		return MessageType(s)
	default:
		return MessageText
	}
}
