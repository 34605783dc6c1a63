package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"paddlearena/server/internal/logging"
)

// NATSBus delivers events through a NATS server so several arena instances share user groups.
type NATSBus struct {
	conn *nats.Conn
	opts options

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// DialNATS connects to url and returns a bus on top of the connection.
func DialNATS(url string, opts ...Option) (*NATSBus, error) {
	o := buildOptions(opts)
	conn, err := nats.Connect(url,
		nats.Name("paddle-arena"),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.log.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			o.log.Info("nats reconnected", logging.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: conn, opts: o, done: make(chan struct{})}, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, userID string, event Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	subject, err := Subject(userID)
	if err != nil {
		return err
	}
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.opts.metrics.NotificationSent(event.Type)
	return nil
}

// Subscribe implements Bus. The NATS subscription is removed when ctx ends.
func (b *NATSBus) Subscribe(ctx context.Context, userID string) (<-chan Event, error) {
	subject, err := Subject(userID)
	if err != nil {
		return nil, err
	}
	raw := make(chan *nats.Msg, b.opts.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub, err := b.conn.ChanSubscribe(subject, raw)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.mu.Unlock()

	out := make(chan Event, b.opts.buffer)
	go func() {
		defer close(out)
		defer b.release(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg := <-raw:
				event, err := decode(msg.Data)
				if err != nil {
					b.opts.log.Warn("dropping malformed notification", logging.UserID(userID), logging.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *NATSBus) release(sub *nats.Subscription) {
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		b.opts.log.Debug("nats unsubscribe failed", logging.Error(err))
	}
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close ends every subscription, drains pending publishes and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
