// Package platform declares the contracts of the external identity provider,
// data store and change feed the sync core runs against.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// ErrUniqueViolation is returned by create operations that lost a race
// against a concurrent insert of the same unique key.
var ErrUniqueViolation = errors.New("unique constraint violation")

// AuthSession is an established identity-provider session.
type AuthSession struct {
	UserID string
	Token  string
}

// SignUpResult describes the outcome of a registration. Session is nil when
// the provider requires secondary verification before signing the user in.
type SignUpResult struct {
	UserID  string
	Session *AuthSession
}

// Auth is the external identity provider. OnAuthStateChange opens a
// subscription to its "auth." events; the payload is bus.AuthChange.
type Auth interface {
	OnAuthStateChange() *bus.Subscription
	SignIn(ctx context.Context, address, secret string) (*AuthSession, error)
	SignUp(ctx context.Context, address, secret string, meta map[string]string) (*SignUpResult, error)
	SignOut(ctx context.Context, token string) error
	GetSession(ctx context.Context, token string) (*AuthSession, error)
	UpdateCredential(ctx context.Context, token, secret string) error
}

// ProfileUpdate holds owner-editable profile fields. Nil fields are unchanged.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// Data is the remote data API. The acting identity is always passed
// explicitly so the backend can apply row-level access rules.
type Data interface {
	GetProfile(ctx context.Context, id string) (*model.Identity, error)
	UpdateProfile(ctx context.Context, actor string, upd ProfileUpdate) error
	SetInviteCode(ctx context.Context, actor, code string) error

	ListConversations(ctx context.Context, actor string) ([]model.Conversation, error)
	LatestMessage(ctx context.Context, actor, conversationID string) (*model.Message, error)
	FindDirectConversation(ctx context.Context, a, b string) (string, bool, error)
	CreateDirectConversation(ctx context.Context, actor, other string) (string, error)
	TouchConversation(ctx context.Context, actor, conversationID string, at time.Time) error

	ListMessages(ctx context.Context, actor, conversationID string) ([]model.Message, error)
	InsertMessage(ctx context.Context, actor, conversationID, content string, typ model.MessageType) (*model.Message, error)

	ListFriendRequests(ctx context.Context, actor string) ([]model.FriendRequest, error)
	InsertFriendRequest(ctx context.Context, actor, receiver string) (*model.FriendRequest, error)
	RejectFriendRequest(ctx context.Context, actor, requestID string) error
	ListFriends(ctx context.Context, actor string) ([]model.Identity, error)

	UpsertTypingSignal(ctx context.Context, sig model.TypingSignal) error

	Procedures
}

// Procedures are server-side routines whose invariants the client relies on.
type Procedures interface {
	UpdateUserStatus(ctx context.Context, actor string, status model.Presence) error
	GetOrCreateConversation(ctx context.Context, actor, other string) (string, error)
	AcceptFriendRequest(ctx context.Context, actor, requestID string) error
	SendFriendRequestByInvite(ctx context.Context, actor, code string) (string, error)
}

// Feed is the push change stream. Each Subscribe opens an independent
// subscription delivering change.* and feed.* events until closed.
type Feed interface {
	Subscribe(ctx context.Context) (*bus.Subscription, error)
}

// TokenStore persists the opaque session token between runs.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// TokenKey is the fixed namespace under which the session token is kept.
const TokenKey = "chatsync.auth.token"
