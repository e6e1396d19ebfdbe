package chat

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"go.uber.org/zap"
)

// TypingStopper force-stops the local typing signal of a conversation.
type TypingStopper interface {
	StopTyping(ctx context.Context, conversationID string) error
}

// Messages holds the log of the single active conversation. The log is
// rebuilt from a full fetch on every switch and every refresh.
type Messages struct {
	data   platform.Data
	typing TypingStopper
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	self    string
	epoch   uint64
	active  string
	gen     uint64
	seq     uint64
	applied uint64
	log     []model.Message
}

// NewMessages creates a message store. typing and b may be nil.
func NewMessages(data platform.Data, typing TypingStopper, b *bus.Bus, logger *zap.Logger) *Messages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messages{data: data, typing: typing, bus: b, logger: logger}
}

// Begin binds the store to a session identity with no active conversation.
func (m *Messages) Begin(self string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self = self
	m.epoch++
	m.active = ""
	m.log = nil
	m.applied = m.seq
}

// Reset drops all state. Results of fetches still in flight are discarded.
func (m *Messages) Reset() {
	m.mu.Lock()
	m.self = ""
	m.epoch++
	m.active = ""
	m.log = nil
	m.mu.Unlock()
	m.notify()
}

// Active returns the active conversation id, or "".
func (m *Messages) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Snapshot returns the active conversation id and a copy of its log.
func (m *Messages) Snapshot() (string, []model.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, slices.Clone(m.log)
}

// SetActive switches the active conversation. Typing in the previous one is
// stopped first, the log is cleared and the new log fetched. An empty id
// clears without fetching. Only the latest switch ever populates the log.
func (m *Messages) SetActive(ctx context.Context, conversationID string) error {
	m.mu.RLock()
	self, prev := m.self, m.active
	m.mu.RUnlock()
	if self == "" {
		m.logger.DPanic("SetActive without a session")
		return failure.ErrNoSession
	}
	if prev != "" && prev != conversationID {
		m.stopTyping(ctx, prev)
	}

	m.mu.Lock()
	m.active = conversationID
	m.gen++
	m.log = nil
	m.mu.Unlock()
	m.notify()

	if conversationID == "" {
		return nil
	}
	return m.Refresh(ctx)
}

// Refresh re-fetches the active conversation's log. The result is applied
// only if that conversation is still active and no newer fetch has landed.
func (m *Messages) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.self == "" {
		m.mu.Unlock()
		m.logger.DPanic("message refresh without a session")
		return failure.ErrNoSession
	}
	if m.active == "" {
		m.mu.Unlock()
		return nil
	}
	m.seq++
	seq, epoch, gen, self, active := m.seq, m.epoch, m.gen, m.self, m.active
	m.mu.Unlock()

	msgs, err := m.data.ListMessages(ctx, self, active)
	if err != nil {
		return failure.Wrap("could not load messages", err)
	}
	slices.SortStableFunc(msgs, model.CompareMessages)

	m.mu.Lock()
	if epoch != m.epoch || gen != m.gen || active != m.active || seq <= m.applied {
		m.mu.Unlock()
		m.logger.Debug("discarding stale message log",
			zap.String("conversation_id", active), zap.Uint64("seq", seq))
		return nil
	}
	m.applied = seq
	m.log = msgs
	m.mu.Unlock()

	m.notify()
	return nil
}

// Append sends a text message. Nothing is inserted locally; the log picks
// the message up from the change feed. Network failures are retryable.
func (m *Messages) Append(ctx context.Context, conversationID, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, failure.New(failure.Validation, failure.CodeEmptyMessage, "message cannot be empty")
	}
	m.mu.RLock()
	self := m.self
	m.mu.RUnlock()
	if self == "" {
		m.logger.DPanic("Append without a session")
		return model.Message{}, failure.ErrNoSession
	}
	if conversationID == "" {
		return model.Message{}, failure.New(failure.Validation, failure.CodeInvalidInput, "no conversation selected")
	}

	m.stopTyping(ctx, conversationID)

	msg, err := m.data.InsertMessage(ctx, self, conversationID, content, model.MessageText)
	if err != nil {
		return model.Message{}, failure.Wrap("message not sent, please retry", err)
	}
	if err := m.data.TouchConversation(ctx, self, conversationID, msg.CreatedAt); err != nil {
		m.logger.Warn("failed to bump conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return *msg, nil
}

// IsActive reports whether conversationID is the active conversation.
func (m *Messages) IsActive(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return conversationID != "" && m.active == conversationID
}

func (m *Messages) stopTyping(ctx context.Context, conversationID string) {
	if m.typing == nil {
		return
	}
	if err := m.typing.StopTyping(ctx, conversationID); err != nil {
		m.logger.Warn("failed to stop typing", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (m *Messages) notify() {
	if m.bus != nil {
		m.bus.Emit(bus.StoreMessages, nil)
	}
}
