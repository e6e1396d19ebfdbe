// Package natsfeed carries row-level change notifications over NATS core
// subjects of the form <prefix>.<table>. Payloads are JSON bus.Change values.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subscriberBuffer = 1024

// Feed is a platform.Feed backed by a NATS connection.
type Feed struct {
	nc     *nats.Conn
	prefix string
	events *bus.Bus
	sub    *nats.Subscription
	logger *zap.Logger
}

var _ platform.Feed = (*Feed)(nil)

// Connect dials url and subscribes to every table under prefix. opts are
// applied after the defaults.
func Connect(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{prefix: strings.TrimSuffix(prefix, "."), events: bus.New(), logger: logger}

	defaults := []nats.Option{
		nats.Name("chatsyncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("change feed disconnected", zap.Error(err))
			f.events.Emit(bus.FeedDisconnected, nil)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("change feed reconnected", zap.String("url", c.ConnectedUrl()))
			f.events.Emit(bus.FeedReconnected, nil)
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	f.nc = nc

	sub, err := nc.Subscribe(f.prefix+".>", f.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s.>: %w", f.prefix, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	f.sub = sub
	logger.Info("change feed connected", zap.String("url", nc.ConnectedUrl()), zap.String("prefix", f.prefix))
	return f, nil
}

// Subscribe opens an independent subscription to change and feed events.
func (f *Feed) Subscribe(context.Context) (*bus.Subscription, error) {
	if f.nc == nil || f.nc.IsClosed() {
		return nil, fmt.Errorf("change feed is closed")
	}
	return f.events.Subscribe("", subscriberBuffer), nil
}

// Publish sends c on its table subject.
func (f *Feed) Publish(c bus.Change) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	subject := Subject(f.prefix, c.Table)
	if err := f.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	return nil
}

// Forward publishes every change delivered on sub until ctx is done or sub
// is closed. It is used to push the local store's changes to other clients.
func (f *Feed) Forward(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			c, ok := evt.Payload.(bus.Change)
			if !ok {
				continue
			}
			if err := f.Publish(c); err != nil {
				f.logger.Warn("forward change", zap.String("table", c.Table), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close drains the subscription and closes the connection.
func (f *Feed) Close() {
	if f.nc == nil {
		return
	}
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
	}
}

func (f *Feed) handle(msg *nats.Msg) {
	c, err := Decode(msg)
	if err != nil {
		f.logger.Warn("undecodable change", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	f.events.Emit(bus.ChangeKind(c.Table), c)
}

// Subject returns the subject a table's changes are published on.
func Subject(prefix, table string) string {
	return prefix + "." + table
}

// Encode marshals a change for the wire.
func Encode(c bus.Change) ([]byte, error) {
	if c.Table == "" {
		return nil, fmt.Errorf("change has no table")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change: %w", err)
	}
	return data, nil
}

// Decode unmarshals a change. A payload without a table takes it from the
// last subject token.
func Decode(msg *nats.Msg) (bus.Change, error) {
	var c bus.Change
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return bus.Change{}, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if c.Table == "" {
		if i := strings.LastIndexByte(msg.Subject, '.'); i >= 0 && i < len(msg.Subject)-1 {
			c.Table = msg.Subject[i+1:]
		}
	}
	if c.Table == "" {
		return bus.Change{}, fmt.Errorf("change on %q has no table", msg.Subject)
	}
	return c, nil
}
