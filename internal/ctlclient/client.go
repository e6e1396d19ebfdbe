// Package ctlclient is the client side of the chatsync control service.
package ctlclient

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to one daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary control method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "Status", nil)
}

func (c *Client) Login(ctx context.Context, address, secret string) (map[string]any, error) {
	return c.Call(ctx, "Login", map[string]any{"address": address, "secret": secret})
}

func (c *Client) Register(ctx context.Context, name, address, secret string) (map[string]any, error) {
	return c.Call(ctx, "Register", map[string]any{"name": name, "address": address, "secret": secret})
}

func (c *Client) Logout(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "Logout", nil)
}

func (c *Client) ListConversations(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "ListConversations", nil)
}

// Resolve returns the direct conversation with userID.
func (c *Client) Resolve(ctx context.Context, userID string) (string, error) {
	out, err := c.Call(ctx, "Resolve", map[string]any{"user_id": userID})
	if err != nil {
		return "", err
	}
	id, _ := out["conversation_id"].(string)
	return id, nil
}

func (c *Client) SetActive(ctx context.Context, conversationID string) (map[string]any, error) {
	return c.Call(ctx, "SetActive", map[string]any{"conversation_id": conversationID})
}

func (c *Client) ListMessages(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "ListMessages", nil)
}

func (c *Client) Send(ctx context.Context, conversationID, content string) (map[string]any, error) {
	return c.Call(ctx, "Send", map[string]any{"conversation_id": conversationID, "content": content})
}

func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	_, err := c.Call(ctx, "StartTyping", map[string]any{"conversation_id": conversationID})
	return err
}

func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	_, err := c.Call(ctx, "StopTyping", map[string]any{"conversation_id": conversationID})
	return err
}

func (c *Client) ListFriends(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "ListFriends", nil)
}

func (c *Client) ListRequests(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "ListRequests", nil)
}

func (c *Client) SendRequest(ctx context.Context, userID string) (map[string]any, error) {
	return c.Call(ctx, "SendRequest", map[string]any{"user_id": userID})
}

// SendRequestByInvite sends a friend request to the owner of code and
// returns the request id.
func (c *Client) SendRequestByInvite(ctx context.Context, code string) (string, error) {
	out, err := c.Call(ctx, "SendRequestByInvite", map[string]any{"code": code})
	if err != nil {
		return "", err
	}
	id, _ := out["request_id"].(string)
	return id, nil
}

func (c *Client) Accept(ctx context.Context, requestID string) error {
	_, err := c.Call(ctx, "Accept", map[string]any{"request_id": requestID})
	return err
}

func (c *Client) Reject(ctx context.Context, requestID string) error {
	_, err := c.Call(ctx, "Reject", map[string]any{"request_id": requestID})
	return err
}

// GenerateInvite rotates the caller's invite code and returns it.
func (c *Client) GenerateInvite(ctx context.Context) (string, error) {
	out, err := c.Call(ctx, "GenerateInvite", nil)
	if err != nil {
		return "", err
	}
	code, _ := out["code"].(string)
	return code, nil
}

var watchDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Watch streams events under prefixes to fn until ctx is done, the stream
// ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefixes []string, fn func(map[string]any) error) error {
	list := make([]any, 0, len(prefixes))
	for _, p := range prefixes {
		list = append(list, p)
	}
	in, err := structpb.NewStruct(map[string]any{"prefixes": list})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, watchDesc, api.FullMethod("Watch"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(out.AsMap()); err != nil {
			return err
		}
	}
}
