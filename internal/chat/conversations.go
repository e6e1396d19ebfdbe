package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

// Conversations is the ordered list of conversations the session identity
// participates in, each with its latest message as preview.
type Conversations struct {
	data   platform.Data
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	self    string
	epoch   uint64
	seq     uint64
	applied uint64
	items   []model.Conversation
}

// NewConversations creates an empty conversation store. Changes are
// announced on b as store.conversations; b may be nil.
func NewConversations(data platform.Data, b *bus.Bus, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{data: data, bus: b, logger: logger}
}

// Begin binds the store to a session identity.
func (c *Conversations) Begin(self string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = self
	c.epoch++
	c.items = nil
	c.applied = c.seq
}

// Reset drops all state. Results of fetches still in flight are discarded.
func (c *Conversations) Reset() {
	c.mu.Lock()
	c.self = ""
	c.epoch++
	c.items = nil
	c.mu.Unlock()
	c.notify()
}

// Hydrate performs the initial bulk fetch.
func (c *Conversations) Hydrate(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh re-fetches the whole list. A preview that fails to load leaves
// that conversation without one; the rest of the list still applies.
func (c *Conversations) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.self == "" {
		c.mu.Unlock()
		c.logger.DPanic("conversation refresh without a session")
		return failure.ErrNoSession
	}
	c.seq++
	seq, epoch, self := c.seq, c.epoch, c.self
	c.mu.Unlock()

	convs, err := c.data.ListConversations(ctx, self)
	if err != nil {
		return failure.Wrap("could not load conversations", err)
	}
	for i := range convs {
		preview, err := c.data.LatestMessage(ctx, self, convs[i].ID)
		if err != nil {
			c.logger.Warn("failed to load conversation preview",
				zap.String("conversation_id", convs[i].ID), zap.Error(err))
			continue
		}
		convs[i].Preview = preview
	}
	sortConversations(convs)

	c.mu.Lock()
	if epoch != c.epoch || seq <= c.applied {
		c.mu.Unlock()
		c.logger.Debug("discarding stale conversation list", zap.Uint64("seq", seq))
		return nil
	}
	c.applied = seq
	c.items = convs
	c.mu.Unlock()

	c.notify()
	return nil
}

// List returns a copy of the ordered conversation list.
func (c *Conversations) List() []model.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Get returns one conversation by id.
func (c *Conversations) Get(id string) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conv := range c.items {
		if conv.ID == id {
			return conv, true
		}
	}
	return model.Conversation{}, false
}

func (c *Conversations) notify() {
	if c.bus != nil {
		c.bus.Emit(bus.StoreConversations, nil)
	}
}

// lastActivity is the later of the conversation's update time and its
// preview's creation time.
func lastActivity(c model.Conversation) time.Time {
	if c.Preview != nil && c.Preview.CreatedAt.After(c.UpdatedAt) {
		return c.Preview.CreatedAt
	}
	return c.UpdatedAt
}

// sortConversations orders most recent activity first, ties by id.
func sortConversations(convs []model.Conversation) {
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		if c := lastActivity(b).Compare(lastActivity(a)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
