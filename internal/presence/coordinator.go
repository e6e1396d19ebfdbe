// Package presence emits and receives the short-lived typing and
// online/offline signals of the session identity.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

// DefaultDebounce is how long typing stays on without further input.
const DefaultDebounce = time.Second

// localTyping is the typing state of self in one conversation together with
// the scheduled task that stops it.
type localTyping struct {
	typing bool
	timer  *clock.Timer
	gen    uint64
}

// remoteTyping is another identity's typing entry and its expiry task.
type remoteTyping struct {
	at    time.Time
	timer *clock.Timer
}

// Coordinator owns the session identity's typing signals and tracks who
// else is typing.
type Coordinator struct {
	data     platform.Data
	clock    clock.Clock
	debounce time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	self   string
	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping

	pending sync.WaitGroup
}

// Options configures a Coordinator.
type Options struct {
	Data     platform.Data
	Clock    clock.Clock
	Debounce time.Duration
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// New creates a coordinator with no session bound.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		data:     opts.Data,
		clock:    opts.Clock,
		debounce: opts.Debounce,
		bus:      opts.Bus,
		logger:   opts.Logger,
		local:    make(map[string]*localTyping),
		remote:   make(map[string]map[string]*remoteTyping),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounce
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Begin binds the coordinator to a session identity.
func (c *Coordinator) Begin(self string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = self
}

// Reset cancels every scheduled task and forgets all typing state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.local {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	for _, byID := range c.remote {
		for _, r := range byID {
			r.timer.Stop()
		}
	}
	c.local = make(map[string]*localTyping)
	c.remote = make(map[string]map[string]*remoteTyping)
	c.self = ""
}

// StartTyping marks self as typing in the conversation. Only the first call
// of a typing run reaches the backend; every call pushes the automatic stop
// back by the debounce window.
func (c *Coordinator) StartTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.self == "" {
		c.mu.Unlock()
		c.logger.DPanic("StartTyping without a session")
		return failure.ErrNoSession
	}
	self := c.self
	t := c.local[conversationID]
	if t == nil {
		t = &localTyping{}
		c.local[conversationID] = t
	}
	wasTyping := t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = c.clock.AfterFunc(c.debounce, func() { c.expire(conversationID, t, gen) })
	c.mu.Unlock()

	if wasTyping {
		return nil
	}
	err := c.data.UpsertTypingSignal(ctx, model.TypingSignal{
		ConversationID: conversationID,
		IdentityID:     self,
		Typing:         true,
		At:             c.clock.Now(),
	})
	if err != nil {
		c.mu.Lock()
		if c.local[conversationID] == t {
			t.typing = false
		}
		c.mu.Unlock()
		return failure.Wrap("could not send typing status", err)
	}

	// A stop that ran while the start was in flight may have been written
	// first. Clear the row again so the late start does not stick.
	c.mu.Lock()
	cur := c.local[conversationID]
	overtaken := cur == nil || !cur.typing
	c.mu.Unlock()
	if !overtaken {
		return nil
	}
	err = c.data.UpsertTypingSignal(ctx, model.TypingSignal{
		ConversationID: conversationID,
		IdentityID:     self,
		Typing:         false,
		At:             c.clock.Now(),
	})
	if err != nil {
		return failure.Wrap("could not clear typing status", err)
	}
	return nil
}

// StopTyping cancels the pending stop task and clears the typing signal.
// It is a no-op when self is not typing in the conversation.
func (c *Coordinator) StopTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	t := c.local[conversationID]
	if t == nil {
		c.mu.Unlock()
		return nil
	}
	return c.clearAndUnlock(ctx, conversationID, t)
}

// clearAndUnlock removes the local typing entry and, if it was on, writes the
// stop signal. Caller holds c.mu; it is released before the backend call.
func (c *Coordinator) clearAndUnlock(ctx context.Context, conversationID string, t *localTyping) error {
	delete(c.local, conversationID)
	if t.timer != nil {
		t.timer.Stop()
	}
	self, wasTyping := c.self, t.typing
	c.mu.Unlock()

	if !wasTyping || self == "" {
		return nil
	}
	err := c.data.UpsertTypingSignal(ctx, model.TypingSignal{
		ConversationID: conversationID,
		IdentityID:     self,
		Typing:         false,
		At:             c.clock.Now(),
	})
	if err != nil {
		return failure.Wrap("could not clear typing status", err)
	}
	return nil
}

// IsTyping reports whether self is currently typing in the conversation.
func (c *Coordinator) IsTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.local[conversationID]
	return t != nil && t.typing
}

func (c *Coordinator) expire(conversationID string, t *localTyping, gen uint64) {
	c.mu.Lock()
	if c.local[conversationID] != t || t.gen != gen {
		c.mu.Unlock()
		return
	}
	if err := c.clearAndUnlock(context.Background(), conversationID, t); err != nil {
		c.logger.Warn("typing auto-stop failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Observe folds a typing signal from the change feed into the remote view.
// Signals from self and signals older than the known entry are ignored.
func (c *Coordinator) Observe(sig model.TypingSignal) {
	c.mu.Lock()
	if c.self == "" || sig.IdentityID == "" || sig.IdentityID == c.self {
		c.mu.Unlock()
		return
	}
	if sig.At.IsZero() {
		sig.At = c.clock.Now()
	}
	byID := c.remote[sig.ConversationID]
	prev := byID[sig.IdentityID]
	if prev != nil && sig.At.Before(prev.at) {
		c.mu.Unlock()
		return
	}
	if prev != nil {
		prev.timer.Stop()
		delete(byID, sig.IdentityID)
	}
	if sig.Typing {
		if byID == nil {
			byID = make(map[string]*remoteTyping)
			c.remote[sig.ConversationID] = byID
		}
		r := &remoteTyping{at: sig.At}
		r.timer = c.clock.AfterFunc(c.remaining(sig.At), func() { c.expireRemote(sig.ConversationID, sig.IdentityID, r) })
		byID[sig.IdentityID] = r
	}
	c.mu.Unlock()
	c.emit(sig)
}

// remaining is the part of the debounce window left for a signal sent at at,
// clamped to the window so clock skew cannot extend or zero it.
func (c *Coordinator) remaining(at time.Time) time.Duration {
	d := c.debounce - c.clock.Since(at)
	if d <= 0 || d > c.debounce {
		return c.debounce
	}
	return d
}

func (c *Coordinator) expireRemote(conversationID, identityID string, r *remoteTyping) {
	c.mu.Lock()
	byID := c.remote[conversationID]
	if byID[identityID] != r {
		c.mu.Unlock()
		return
	}
	delete(byID, identityID)
	if len(byID) == 0 {
		delete(c.remote, conversationID)
	}
	c.mu.Unlock()
	c.emit(model.TypingSignal{ConversationID: conversationID, IdentityID: identityID, At: c.clock.Now()})
}

// Typing returns the identities other than self currently typing in the
// conversation, sorted by id.
func (c *Coordinator) Typing(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.remote[conversationID]))
	for id := range c.remote[conversationID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MarkOnline sets self online. Failures are logged only.
func (c *Coordinator) MarkOnline(ctx context.Context) {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	if self == "" {
		return
	}
	c.setStatus(ctx, self, model.PresenceOnline)
}

// MarkOffline sets self offline without waiting for the backend. Use Wait to
// block until outstanding updates are done.
func (c *Coordinator) MarkOffline(ctx context.Context) {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	if self == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.setStatus(ctx, self, model.PresenceOffline)
	}()
}

// Wait blocks until every fire-and-forget presence update has finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

func (c *Coordinator) setStatus(ctx context.Context, self string, status model.Presence) {
	if err := c.data.UpdateUserStatus(ctx, self, status); err != nil {
		c.logger.Warn("presence update failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	c.logger.Debug("presence updated", zap.String("status", string(status)))
}

func (c *Coordinator) emit(sig model.TypingSignal) {
	if c.bus != nil {
		c.bus.Emit(bus.PresenceTyping, sig)
	}
}
