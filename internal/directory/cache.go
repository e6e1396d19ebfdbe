// Package directory caches the session identity's friends and friend
// requests and runs the friend-request workflow.
package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

const (
	inviteCodeLen = 10
	// 32 symbols without 0/O and 1/I.
	inviteAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeAttempts = 5
)

// Cache holds the friend list and the friend-request collection. Every
// mutation re-fetches the slice it touched instead of patching it.
type Cache struct {
	data   platform.Data
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.RWMutex
	self          string
	epoch         uint64
	reqSeq        uint64
	reqApplied    uint64
	friendSeq     uint64
	friendApplied uint64
	requests      []model.FriendRequest
	friends       []model.Identity
}

// New creates an empty cache. Changes are announced on b as
// store.directory; b may be nil.
func New(data platform.Data, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{data: data, bus: b, logger: logger}
}

// Begin binds the cache to a session identity.
func (c *Cache) Begin(self string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = self
	c.epoch++
	c.requests = nil
	c.friends = nil
	c.reqApplied = c.reqSeq
	c.friendApplied = c.friendSeq
}

// Reset drops all state. Results of fetches still in flight are discarded.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.self = ""
	c.epoch++
	c.requests = nil
	c.friends = nil
	c.mu.Unlock()
	c.notify()
}

// Hydrate fetches both the request collection and the friend list.
func (c *Cache) Hydrate(ctx context.Context) error {
	return errors.Join(c.RefreshRequests(ctx), c.RefreshFriends(ctx))
}

// RefreshRequests re-fetches every request sent or received by self.
func (c *Cache) RefreshRequests(ctx context.Context) error {
	c.mu.Lock()
	if c.self == "" {
		c.mu.Unlock()
		c.logger.DPanic("request refresh without a session")
		return failure.ErrNoSession
	}
	c.reqSeq++
	seq, epoch, self := c.reqSeq, c.epoch, c.self
	c.mu.Unlock()

	reqs, err := c.data.ListFriendRequests(ctx, self)
	if err != nil {
		return failure.Wrap("could not load friend requests", err)
	}

	c.mu.Lock()
	if epoch != c.epoch || seq <= c.reqApplied {
		c.mu.Unlock()
		c.logger.Debug("discarding stale friend requests", zap.Uint64("seq", seq))
		return nil
	}
	c.reqApplied = seq
	c.requests = reqs
	c.mu.Unlock()
	c.notify()
	return nil
}

// RefreshFriends re-fetches the friend list.
func (c *Cache) RefreshFriends(ctx context.Context) error {
	c.mu.Lock()
	if c.self == "" {
		c.mu.Unlock()
		c.logger.DPanic("friend refresh without a session")
		return failure.ErrNoSession
	}
	c.friendSeq++
	seq, epoch, self := c.friendSeq, c.epoch, c.self
	c.mu.Unlock()

	friends, err := c.data.ListFriends(ctx, self)
	if err != nil {
		return failure.Wrap("could not load friends", err)
	}

	c.mu.Lock()
	if epoch != c.epoch || seq <= c.friendApplied {
		c.mu.Unlock()
		c.logger.Debug("discarding stale friend list", zap.Uint64("seq", seq))
		return nil
	}
	c.friendApplied = seq
	c.friends = friends
	c.mu.Unlock()
	c.notify()
	return nil
}

// Friends returns a copy of the friend list.
func (c *Cache) Friends() []model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.friends)
}

// Incoming returns pending requests addressed to self.
func (c *Cache) Incoming() []model.FriendRequest {
	return c.pending(func(r model.FriendRequest, self string) bool { return r.ReceiverID == self })
}

// Outgoing returns pending requests sent by self.
func (c *Cache) Outgoing() []model.FriendRequest {
	return c.pending(func(r model.FriendRequest, self string) bool { return r.SenderID == self })
}

func (c *Cache) pending(dir func(model.FriendRequest, string) bool) []model.FriendRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.FriendRequest
	for _, r := range c.requests {
		if r.Status == model.RequestPending && dir(r, c.self) {
			out = append(out, r)
		}
	}
	return out
}

// SendRequest sends a friend request to targetID.
func (c *Cache) SendRequest(ctx context.Context, targetID string) (model.FriendRequest, error) {
	self, err := c.session()
	if err != nil {
		return model.FriendRequest{}, err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return model.FriendRequest{}, failure.New(failure.Validation, failure.CodeInvalidInput, "choose someone to add")
	}
	if targetID == self {
		return model.FriendRequest{}, failure.New(failure.Validation, failure.CodeSelfRequest, "you cannot send a friend request to yourself")
	}
	if err := c.checkNotLinked(targetID); err != nil {
		return model.FriendRequest{}, err
	}

	req, err := c.data.InsertFriendRequest(ctx, self, targetID)
	if err != nil {
		return model.FriendRequest{}, failure.Wrap("could not send friend request", err)
	}
	c.refreshAfter(ctx, "send request", c.RefreshRequests)
	return *req, nil
}

// SendRequestByInviteCode resolves an invite code and sends its owner a
// friend request. Returns the new request id.
func (c *Cache) SendRequestByInviteCode(ctx context.Context, code string) (string, error) {
	self, err := c.session()
	if err != nil {
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", failure.New(failure.Validation, failure.CodeInvalidCode, "enter an invite code")
	}
	id, err := c.data.SendFriendRequestByInvite(ctx, self, code)
	if err != nil {
		return "", failure.Wrap("could not send friend request", err)
	}
	c.refreshAfter(ctx, "send request by invite", c.RefreshRequests)
	return id, nil
}

// Accept accepts a pending request addressed to self, creating the
// friendship.
func (c *Cache) Accept(ctx context.Context, requestID string) error {
	self, err := c.session()
	if err != nil {
		return err
	}
	if err := c.data.AcceptFriendRequest(ctx, self, requestID); err != nil {
		return failure.Wrap("could not accept friend request", err)
	}
	c.refreshAfter(ctx, "accept", c.RefreshRequests)
	c.refreshAfter(ctx, "accept", c.RefreshFriends)
	return nil
}

// Reject rejects a pending request addressed to self.
func (c *Cache) Reject(ctx context.Context, requestID string) error {
	self, err := c.session()
	if err != nil {
		return err
	}
	if err := c.data.RejectFriendRequest(ctx, self, requestID); err != nil {
		return failure.Wrap("could not reject friend request", err)
	}
	c.refreshAfter(ctx, "reject", c.RefreshRequests)
	return nil
}

// GenerateInviteCode creates a fresh invite code and stores it as self's
// only active code.
func (c *Cache) GenerateInviteCode(ctx context.Context) (string, error) {
	self, err := c.session()
	if err != nil {
		return "", err
	}
	for range inviteCodeAttempts {
		code, err := newInviteCode()
		if err != nil {
			return "", err
		}
		err = c.data.SetInviteCode(ctx, self, code)
		if errors.Is(err, platform.ErrUniqueViolation) {
			c.logger.Debug("invite code collision, retrying")
			continue
		}
		if err != nil {
			return "", failure.Wrap("could not create invite code", err)
		}
		return code, nil
	}
	return "", failure.Network("could not create invite code", errors.New("too many invite code collisions"))
}

// checkNotLinked rejects a request the cached state already shows to be a
// duplicate. The backend repeats the check authoritatively.
func (c *Cache) checkNotLinked(targetID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.friends {
		if f.ID == targetID {
			return failure.New(failure.Validation, failure.CodeDuplicate, "you are already friends")
		}
	}
	for _, r := range c.requests {
		if r.Status != model.RequestPending {
			continue
		}
		if (r.SenderID == c.self && r.ReceiverID == targetID) || (r.SenderID == targetID && r.ReceiverID == c.self) {
			return failure.New(failure.Validation, failure.CodeDuplicate, "a friend request between you is already pending")
		}
	}
	return nil
}

func (c *Cache) session() (string, error) {
	self := c.selfID()
	if self == "" {
		c.logger.DPanic("friend workflow used without a session")
		return "", failure.ErrNoSession
	}
	return self, nil
}

func (c *Cache) selfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Cache) refreshAfter(ctx context.Context, op string, refresh func(context.Context) error) {
	if err := refresh(ctx); err != nil {
		c.logger.Warn("refresh after mutation failed", zap.String("op", op), zap.Error(err))
	}
}

func (c *Cache) notify() {
	if c.bus != nil {
		c.bus.Emit(bus.StoreDirectory, nil)
	}
}

func newInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, inviteCodeLen)
	for i, b := range buf {
		code[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(code), nil
}
