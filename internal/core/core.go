// Package core wires the sync components into one context object and owns
// the work bound to an authenticated session.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Options are the external collaborators of a Core.
type Options struct {
	Auth           platform.Auth
	Data           platform.Data
	Feed           platform.Feed
	Tokens         platform.TokenStore
	Bus            *bus.Bus
	Clock          clock.Clock
	TypingDebounce time.Duration
	Logger         *zap.Logger
}

// Core holds every component of one client. Fields are set by New and
// never replaced.
type Core struct {
	Bus           *bus.Bus
	Status        *status.Machine
	Session       *session.Manager
	Resolver      *chat.Resolver
	Conversations *chat.Conversations
	Messages      *chat.Messages
	Directory     *directory.Cache
	Presence      *presence.Coordinator
	Router        *realtime.Router
	Clock         clock.Clock

	logger *zap.Logger
}

// New builds a Core. Call Start to consume auth events and Restore to pick
// up a persisted session.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Core{Bus: b, Clock: clk, logger: logger}
	c.Status = status.NewMachine(b)
	c.Presence = presence.New(presence.Options{
		Data:     opts.Data,
		Clock:    clk,
		Debounce: opts.TypingDebounce,
		Bus:      b,
		Logger:   logger.Named("presence"),
	})
	c.Resolver = chat.NewResolver(opts.Data, logger.Named("resolver"))
	c.Conversations = chat.NewConversations(opts.Data, b, logger.Named("conversations"))
	c.Messages = chat.NewMessages(opts.Data, c.Presence, b, logger.Named("messages"))
	c.Directory = directory.New(opts.Data, b, logger.Named("directory"))
	c.Router = realtime.NewRouter(opts.Feed, realtime.Targets{
		Conversations: c.Conversations,
		Messages:      c.Messages,
		Directory:     c.Directory,
		Presence:      c.Presence,
	}, logger.Named("router"))
	c.Session = session.New(session.Options{
		Auth:      opts.Auth,
		Data:      opts.Data,
		Tokens:    opts.Tokens,
		Machine:   c.Status,
		Lifecycle: (*scope)(c),
		Clock:     clk,
		Logger:    logger.Named("session"),
	})
	return c
}

// Start begins consuming identity-provider events.
func (c *Core) Start(ctx context.Context) {
	c.Session.Start(ctx)
}

// Close tears down the active session scope without signing out, so the
// persisted token survives a daemon restart.
func (c *Core) Close(ctx context.Context) {
	c.Session.Stop()
	(*scope)(c).Stop(ctx)
	c.Presence.Wait()
}

// OpenConversation resolves the direct conversation with otherID and makes
// it the active one.
func (c *Core) OpenConversation(ctx context.Context, otherID string) (string, error) {
	self, ok := c.Session.Self()
	if !ok {
		c.logger.DPanic("OpenConversation without a session")
		return "", failure.ErrNoSession
	}
	id, err := c.Resolver.Resolve(ctx, self.ID, otherID)
	if err != nil {
		return "", err
	}
	if err := c.Messages.SetActive(ctx, id); err != nil {
		return id, err
	}
	if _, known := c.Conversations.Get(id); !known {
		if err := c.Conversations.Refresh(ctx); err != nil {
			c.logger.Warn("conversation list refresh failed", zap.Error(err))
		}
	}
	return id, nil
}

// scope is the session.Lifecycle of a Core.
type scope Core

// Start binds every store to self, opens the change feed and loads the
// initial snapshots. The subscription is opened before hydrating so no
// change between the two is missed.
func (s *scope) Start(ctx context.Context, self model.Identity) error {
	s.Conversations.Begin(self.ID)
	s.Messages.Begin(self.ID)
	s.Directory.Begin(self.ID)
	s.Presence.Begin(self.ID)

	if err := s.Router.Start(ctx, self.ID); err != nil {
		return fmt.Errorf("open change feed: %w", err)
	}
	if err := errors.Join(s.Directory.Hydrate(ctx), s.Conversations.Hydrate(ctx)); err != nil {
		return err
	}
	s.Presence.MarkOnline(ctx)
	s.logger.Info("session scope started", zap.String("user_id", self.ID))
	return nil
}

// Stop reverses Start. It is safe to call when nothing was started.
func (s *scope) Stop(ctx context.Context) {
	s.Presence.MarkOffline(ctx)
	s.Router.Stop()
	s.Presence.Reset()
	s.Messages.Reset()
	s.Conversations.Reset()
	s.Directory.Reset()
	s.logger.Debug("session scope stopped")
}
