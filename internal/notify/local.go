package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/metrics"
)

const defaultSubscriberBuffer = 32

// Option configures a bus.
type Option func(*options)

type options struct {
	log     *logging.Logger
	metrics *metrics.Collectors
	buffer  int
}

// WithLogger overrides the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics counts published events.
func WithMetrics(m *metrics.Collectors) Option {
	return func(o *options) { o.metrics = m }
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: logging.L(), buffer: defaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LocalBus delivers events in-process over a watermill Go channel pub/sub.
type LocalBus struct {
	pubsub *gochannel.GoChannel
	opts   options
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLocalBus creates an in-process bus. Events published to a user without subscribers are
// discarded, as are events for a subscriber whose buffer is full.
func NewLocalBus(opts ...Option) *LocalBus {
	o := buildOptions(opts)
	return &LocalBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(o.buffer),
			//1.- Waiting for the ack keeps per-user delivery in publish order.
			BlockPublishUntilSubscriberAck: true,
		}, watermillLogger{log: o.log}),
		opts: o,
		done: make(chan struct{}),
	}
}

// Publish implements Bus.
func (b *LocalBus) Publish(_ context.Context, userID string, event Event) error {
	if b.closed.Load() {
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
	if err := b.pubsub.Publish(subject, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return err
	}
	b.opts.metrics.NotificationSent(event.Type)
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(ctx context.Context, userID string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	subject, err := Subject(userID)
	if err != nil {
		return nil, err
	}
	messages, err := b.pubsub.Subscribe(ctx, subject)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, b.opts.buffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for msg := range messages {
			//1.- Ack on receipt so a slow reader never stalls the publisher.
			msg.Ack()
			event, err := decode(msg.Payload)
			if err != nil {
				b.opts.log.Warn("dropping malformed notification", logging.UserID(userID), logging.Error(err))
				continue
			}
			select {
			case out <- event:
			case <-b.done:
				return
			default:
				b.opts.log.Warn("notification subscriber full; dropping event",
					logging.UserID(userID), logging.String("event", event.Type))
			}
		}
	}()
	return out, nil
}

// Close stops delivery and closes every subscriber channel.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

// watermillLogger routes watermill's internal logs into the structured logger.
type watermillLogger struct {
	log    *logging.Logger
	fields watermill.LogFields
}

func (w watermillLogger) convert(extra watermill.LogFields) []logging.Field {
	fields := make([]logging.Field, 0, len(w.fields)+len(extra))
	for k, v := range w.fields {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}
	for k, v := range extra {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}
	return fields
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error(msg, append(w.convert(fields), logging.Error(err))...)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, w.convert(fields)...)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, w.convert(fields)...)
}

func (w watermillLogger) Trace(string, watermill.LogFields) {}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: w.log, fields: w.fields.Add(fields)}
}
