package bus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-claim/v1/bus")

// RedisBus implements Bus using a Redis pub/sub channel. Redis echoes every
// publication back to the publisher's own subscription.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu        sync.Mutex
	subs      []chan Message
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Channel names the pub/sub channel; defaults to "claim:bus".
	Channel string
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	channel := opts.Channel
	if channel == "" {
		channel = "claim:bus"
	}
	return &RedisBus{client: opts.Client, channel: channel}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	ctx, span := tracer.Start(ctx, "bus.Publish", trace.WithAttributes(
		attribute.String("claim.msg_type", msg.Type),
		attribute.String("claim.channel", b.channel),
	))
	defer span.End()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel, data).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return claimerrors.ErrTimeout
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Message, 16)
	b.mu.Lock()
	if b.pubsub == nil {
		rctx, cancel := context.WithCancel(context.Background())
		ps := b.client.Subscribe(rctx, b.channel)
		cctx, ccancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		ccancel()
		if err != nil {
			cancel()
			_ = ps.Close()
			b.mu.Unlock()
			return nil, err
		}
		b.pubsub = ps
		b.cancel = cancel
		go b.receive(rctx, ps)
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

func (b *RedisBus) receive(ctx context.Context, ps *redis.PubSub) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		m, err := Decode([]byte(msg.Payload))
		if err != nil {
			continue
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
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	var cancel context.CancelFunc
	var ps *redis.PubSub
	if len(b.subs) == 0 && b.pubsub != nil {
		cancel, ps = b.cancel, b.pubsub
		b.cancel, b.pubsub = nil, nil
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		_ = ps.Close()
	}
	return nil
}

// Close implements Bus.Close.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, c := range b.subs {
		close(c)
	}
	b.subs = nil
	cancel, ps := b.cancel, b.pubsub
	b.cancel, b.pubsub = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		_ = ps.Close()
	}
	return nil
}

// Metrics returns publish/delivery counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
