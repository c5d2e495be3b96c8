package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Message types exchanged between peers.
const (
	// TypePing advertises owner liveness. Cheap, not persisted, ignored by
	// the protocol itself.
	TypePing = "ping"
	// TypeOwnerChanged announces a confirmed ownership transition.
	TypeOwnerChanged = "owner-changed"
	// TypeRequestRelease asks a live owner to voluntarily step down.
	TypeRequestRelease = "request-release"
	// TypeReleased announces a voluntary release.
	TypeReleased = "released"
	// TypeTakeoverCandidate announces candidacy in a takeover election.
	TypeTakeoverCandidate = "takeover-candidate"
)

// Message is the structured record carried by the bus. Owner empty means "no
// owner". Nonce uniquely identifies a publication so receivers can drop
// duplicates redelivered by networked backends.
type Message struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"`
	Owner string `json:"owner,omitempty"`
	At    int64  `json:"at,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// Encode renders the message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Bus provides the best-effort broadcast channel between peers: at-most-once,
// unordered, no delivery guarantee. Backends may echo a publication back to
// the publisher's own subscription; receivers filter by Message.From.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a channel receiving messages until the context is
	// canceled or Unsubscribe is called.
	Subscribe(ctx context.Context) (<-chan Message, error)
	Unsubscribe(ctx context.Context, ch <-chan Message) error
	Close() error
}

// Metrics reports publish/delivery counters for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      []chan Message
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Message(nil), b.subs...)
	b.mu.Unlock()
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- msg:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Message, 16)
	b.mu.Lock()
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
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	for _, c := range b.subs {
		close(c)
	}
	b.subs = nil
	b.mu.Unlock()
	return nil
}

// Metrics returns publish/delivery counters.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
