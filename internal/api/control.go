package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/core"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultWatchPrefixes are the event namespaces Watch relays when the
// request names none.
var DefaultWatchPrefixes = []string{"session.", "store.", "presence."}

// ControlService implements ControlServer on top of a Core.
type ControlService struct {
	profile   string
	startedAt time.Time
	core      *core.Core
	logger    *zap.Logger
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates the control service for a profile.
func NewControlService(profile string, c *core.Core, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{profile: profile, startedAt: c.Clock.Now(), core: c, logger: logger}
}

// requireSession rejects calls that need a signed-in identity.
func (s *ControlService) requireSession() (string, error) {
	self, ok := s.core.Session.Self()
	if !ok || s.core.Status.Current() != status.Authenticated {
		return "", grpcstatus.Error(codes.FailedPrecondition, "not signed in")
	}
	return self.ID, nil
}

func (s *ControlService) statusFields() map[string]any {
	m := map[string]any{
		"profile":    s.profile,
		"state":      string(s.core.Status.Current()),
		"loading":    s.core.Session.Loading(),
		"last_error": s.core.Session.LastError(),
		"uptime_ms":  s.core.Clock.Since(s.startedAt).Milliseconds(),
	}
	if self, ok := s.core.Session.Self(); ok {
		m["self"] = identityToMap(self)
		m["active_conversation"] = s.core.Messages.Active()
	}
	if addr, ok := s.core.Session.PendingVerification(); ok {
		m["pending_verification"] = addr
	}
	return m
}

func (s *ControlService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.statusFields())
}

func (s *ControlService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.core.Session.Login(ctx, stringField(req, "address"), stringField(req, "secret")); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.statusFields())
}

func (s *ControlService) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	err := s.core.Session.Register(ctx, stringField(req, "name"), stringField(req, "address"), stringField(req, "secret"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(s.statusFields())
}

func (s *ControlService) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.core.Session.Logout(ctx)
	return reply(s.statusFields())
}

func (s *ControlService) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	convs := s.core.Conversations.List()
	list := make([]any, 0, len(convs))
	for _, c := range convs {
		list = append(list, conversationToMap(c))
	}
	return reply(map[string]any{"conversations": list})
}

func (s *ControlService) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	self, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	id, err := s.core.Resolver.Resolve(ctx, self, stringField(req, "user_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"conversation_id": id})
}

func (s *ControlService) SetActive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	if err := s.core.Messages.SetActive(ctx, stringField(req, "conversation_id")); err != nil {
		return nil, toStatus(err)
	}
	return s.messages()
}

func (s *ControlService) ListMessages(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	return s.messages()
}

func (s *ControlService) messages() (*structpb.Struct, error) {
	active, log := s.core.Messages.Snapshot()
	return reply(map[string]any{"conversation_id": active, "messages": messagesToList(log)})
}

func (s *ControlService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	convID := stringField(req, "conversation_id")
	if convID == "" {
		convID = s.core.Messages.Active()
	}
	if convID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	msg, err := s.core.Messages.Append(ctx, convID, stringField(req, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageToMap(msg)})
}

func (s *ControlService) StartTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	convID, err := requireField(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.core.Presence.StartTyping(ctx, convID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"typing": true})
}

func (s *ControlService) StopTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	convID, err := requireField(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.core.Presence.StopTyping(ctx, convID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"typing": false})
}

func (s *ControlService) ListFriends(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	return reply(map[string]any{"friends": identitiesToList(s.core.Directory.Friends())})
}

func (s *ControlService) ListRequests(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	return reply(map[string]any{
		"incoming": requestsToList(s.core.Directory.Incoming()),
		"outgoing": requestsToList(s.core.Directory.Outgoing()),
	})
}

func (s *ControlService) SendRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	fr, err := s.core.Directory.SendRequest(ctx, stringField(req, "user_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"request": requestToMap(fr)})
}

func (s *ControlService) SendRequestByInvite(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	id, err := s.core.Directory.SendRequestByInviteCode(ctx, stringField(req, "code"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"request_id": id})
}

func (s *ControlService) Accept(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	id, err := requireField(req, "request_id")
	if err != nil {
		return nil, err
	}
	if err := s.core.Directory.Accept(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"request_id": id})
}

func (s *ControlService) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	id, err := requireField(req, "request_id")
	if err != nil {
		return nil, err
	}
	if err := s.core.Directory.Reject(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"request_id": id})
}

func (s *ControlService) GenerateInvite(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	code, err := s.core.Directory.GenerateInviteCode(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"code": code})
}

// Watch relays bus events under the requested prefixes until the client
// goes away.
func (s *ControlService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var prefixes []bus.Kind
	for _, v := range req.GetFields()["prefixes"].GetListValue().GetValues() {
		if p := strings.TrimSpace(v.GetStringValue()); p != "" {
			prefixes = append(prefixes, bus.Kind(p))
		}
	}
	if len(prefixes) == 0 {
		for _, p := range DefaultWatchPrefixes {
			prefixes = append(prefixes, bus.Kind(p))
		}
	}

	sub := s.core.Bus.Subscribe("", 256)
	defer sub.Close()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !matches(evt.Kind, prefixes) {
				continue
			}
			out, err := reply(map[string]any{
				"event_id":       uuid.NewString(),
				"profile":        s.profile,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"kind":           string(evt.Kind),
				"payload":        eventPayload(evt.Payload),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matches(k bus.Kind, prefixes []bus.Kind) bool {
	for _, p := range prefixes {
		if k.HasPrefix(p) {
			return true
		}
	}
	return false
}
