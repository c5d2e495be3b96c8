package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mirkobrombin/go-claim/v1/coord"
)

// Event kinds streamed to watchers.
const (
	KindBecameOwner       = "became-owner"
	KindLostOwnership     = "lost-ownership"
	KindOwnerChanged      = "owner-changed"
	KindTakeoverRequested = "takeover-requested"
)

// Event is one observed ownership transition, JSON-encoded on the wire.
type Event struct {
	Kind      string `json:"kind"`
	Owner     string `json:"owner,omitempty"`
	Requester string `json:"requester,omitempty"`
	At        int64  `json:"at"`
}

// Monitor fans coordinator transitions out to HTTP/SSE/WebSocket watchers.
// Wire it by passing Hooks(...) into coord.New and binding the resulting
// coordinator back with Bind.
type Monitor struct {
	mu   sync.Mutex
	c    *coord.Coordinator
	subs []chan []byte
}

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{}
}

// Bind attaches the coordinator used by StatusHandler.
func (m *Monitor) Bind(c *coord.Coordinator) {
	m.mu.Lock()
	m.c = c
	m.mu.Unlock()
}

// Hooks wraps next so every transition is both forwarded to next and
// broadcast to watchers.
func (m *Monitor) Hooks(next coord.Hooks) coord.Hooks {
	return coord.Hooks{
		OnBecameOwner: func() {
			m.emit(Event{Kind: KindBecameOwner})
			if next.OnBecameOwner != nil {
				next.OnBecameOwner()
			}
		},
		OnLostOwnership: func() {
			m.emit(Event{Kind: KindLostOwnership})
			if next.OnLostOwnership != nil {
				next.OnLostOwnership()
			}
		},
		OnOwnerChanged: func(owner string) {
			m.emit(Event{Kind: KindOwnerChanged, Owner: owner})
			if next.OnOwnerChanged != nil {
				next.OnOwnerChanged(owner)
			}
		},
		OnTakeoverRequested: func(requester string) {
			m.emit(Event{Kind: KindTakeoverRequested, Requester: requester})
			if next.OnTakeoverRequested != nil {
				next.OnTakeoverRequested(requester)
			}
		},
	}
}

func (m *Monitor) emit(ev Event) {
	ev.At = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	m.mu.Lock()
	chans := append([]chan []byte(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch subscribes to transition events. The returned channel receives JSON
// payloads until the context is canceled or Unwatch is called.
func (m *Monitor) Watch(ctx context.Context) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = m.Unwatch(context.Background(), ch)
		}()
	}
	return ch, nil
}

// Unwatch stops delivering events to ch.
func (m *Monitor) Unwatch(ctx context.Context, ch chan []byte) error {
	m.mu.Lock()
	for i, c := range m.subs {
		if c == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(c)
			break
		}
	}
	m.mu.Unlock()
	return nil
}
