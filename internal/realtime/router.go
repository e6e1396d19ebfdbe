// Package realtime routes change-feed events to the stores of the
// authenticated session. Every handler re-fetches; none patches in place.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

// ErrRunning is returned by Start while a subscription is already open.
var ErrRunning = errors.New("router already running")

// ConversationStore is the refresh surface of the conversation list.
type ConversationStore interface {
	Refresh(ctx context.Context) error
}

// MessageStore is the refresh surface of the active message log.
type MessageStore interface {
	IsActive(conversationID string) bool
	Refresh(ctx context.Context) error
}

// Directory is the refresh surface of the friend cache.
type Directory interface {
	RefreshRequests(ctx context.Context) error
	RefreshFriends(ctx context.Context) error
}

// Presence receives remote typing signals and reconnect notifications.
type Presence interface {
	Observe(sig model.TypingSignal)
	MarkOnline(ctx context.Context)
}

// Targets are the components events are fanned out to.
type Targets struct {
	Conversations ConversationStore
	Messages      MessageStore
	Directory     Directory
	Presence      Presence
}

// Router owns the single change-feed subscription of a session.
type Router struct {
	feed    platform.Feed
	targets Targets
	logger  *zap.Logger

	mu     sync.Mutex
	self   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a router. It does nothing until Start.
func NewRouter(feed platform.Feed, targets Targets, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{feed: feed, targets: targets, logger: logger}
}

// Start opens the feed subscription for self and begins dispatching.
func (r *Router) Start(ctx context.Context, self string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrRunning
	}

	sub, err := r.feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.self = self
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done

	go func() {
		defer close(done)
		defer sub.Close()
		var dropped int64
		for {
			select {
			case evt, ok := <-sub.C():
				if !ok {
					r.logger.Warn("change feed closed")
					return
				}
				r.dispatch(ctx, self, evt)
				if n := sub.Dropped(); n != dropped {
					r.logger.Warn("change feed overflowed, refreshing everything", zap.Int64("dropped", n-dropped))
					dropped = n
					r.refreshAll(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("realtime router started", zap.String("user_id", self))
	return nil
}

// Stop closes the subscription and waits for the dispatch loop to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done, r.self = nil, nil, ""
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("realtime router stopped")
}

// Running reports whether a subscription is open.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Router) dispatch(ctx context.Context, self string, evt bus.Event) {
	switch {
	case evt.Kind == bus.FeedReconnected:
		r.logger.Info("change feed reconnected")
		r.targets.Presence.MarkOnline(ctx)
		r.refreshAll(ctx)
	case evt.Kind.HasPrefix(bus.ChangePrefix):
		change, ok := evt.Payload.(bus.Change)
		if !ok {
			r.logger.Warn("unexpected change payload", zap.String("kind", string(evt.Kind)))
			return
		}
		r.route(ctx, self, change)
	}
}

func (r *Router) route(ctx context.Context, self string, c bus.Change) {
	switch c.Table {
	case "messages":
		if c.Op != bus.OpInsert {
			return
		}
		if r.targets.Messages.IsActive(c.ConversationID) {
			r.run("messages", r.targets.Messages.Refresh(ctx))
		}
		r.run("conversations", r.targets.Conversations.Refresh(ctx))
	case "conversation_participants", "conversations":
		r.run("conversations", r.targets.Conversations.Refresh(ctx))
	case "friend_requests":
		if involves(c, self) {
			r.run("friend_requests", r.targets.Directory.RefreshRequests(ctx))
		}
	case "friendships":
		if involves(c, self) {
			r.run("friends", r.targets.Directory.RefreshFriends(ctx))
		}
	case "profiles":
		if c.Op == bus.OpInsert {
			return
		}
		r.run("friends", r.targets.Directory.RefreshFriends(ctx))
	case "typing_signals":
		sig, ok := decodeTypingSignal(c)
		if !ok {
			r.logger.Debug("undecodable typing signal", zap.String("row_id", c.RowID))
			return
		}
		r.targets.Presence.Observe(sig)
	}
}

func (r *Router) refreshAll(ctx context.Context) {
	r.run("conversations", r.targets.Conversations.Refresh(ctx))
	r.run("messages", r.targets.Messages.Refresh(ctx))
	r.run("friend_requests", r.targets.Directory.RefreshRequests(ctx))
	r.run("friends", r.targets.Directory.RefreshFriends(ctx))
}

func (r *Router) run(slice string, err error) {
	if err != nil {
		r.logger.Warn("refresh failed", zap.String("slice", slice), zap.Error(err))
	}
}

// involves reports whether self is a party to the change. Changes that do
// not name their parties are assumed relevant.
func involves(c bus.Change, self string) bool {
	return len(c.UserIDs) == 0 || slices.Contains(c.UserIDs, self)
}

// decodeTypingSignal reads a typing_signals record. Records that crossed a
// JSON transport carry numbers as float64.
func decodeTypingSignal(c bus.Change) (model.TypingSignal, bool) {
	userID, _ := c.Record["user_id"].(string)
	if userID == "" || c.ConversationID == "" {
		return model.TypingSignal{}, false
	}
	sig := model.TypingSignal{
		ConversationID: c.ConversationID,
		IdentityID:     userID,
		Typing:         asBool(c.Record["is_typing"]),
	}
	if ms, ok := asInt64(c.Record["at"]); ok && ms > 0 {
		sig.At = time.UnixMilli(ms)
	}
	return sig, true
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int64:
		return b != 0
	case int:
		return b != 0
	case string:
		ok, _ := strconv.ParseBool(b)
		return ok
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
