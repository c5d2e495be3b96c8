package bus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
)

// NATSBus implements Bus using a NATS subject. NATS delivers a publication to
// every subscription, including the publisher's own.
type NATSBus struct {
	conn    *nats.Conn
	subject string

	mu        sync.Mutex
	subs      []chan Message
	sub       *nats.Subscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NATSBusOption configures a NATSBus.
type NATSBusOption func(*NATSBus)

// WithSubject overrides the default "claim.bus" subject.
func WithSubject(subject string) NATSBusOption {
	return func(b *NATSBus) {
		b.subject = subject
	}
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...NATSBusOption) *NATSBus {
	b := &NATSBus{conn: conn, subject: "claim.bus"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		if stdErrors.Is(err, nats.ErrConnectionClosed) {
			return claimerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Message, 16)
	b.mu.Lock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(b.subject, func(nm *nats.Msg) {
			m, err := Decode(nm.Data)
			if err != nil {
				return
			}
			b.mu.Lock()
			chans := append([]chan Message(nil), b.subs...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- m:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.sub = sub
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = b.Unsubscribe(context.Background(), ch)
		}()
	}
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	var sub *nats.Subscription
	if len(b.subs) == 0 && b.sub != nil {
		sub = b.sub
		b.sub = nil
	}
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return nil
}

// Close implements Bus.Close.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for _, c := range b.subs {
		close(c)
	}
	b.subs = nil
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return nil
}

// Metrics returns publish/delivery counters.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
