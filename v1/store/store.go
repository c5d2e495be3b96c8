package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Event describes a mutation of a key as observed by peers other than the
// writer. Origin carries the writing store handle's identity so that
// implementations can filter self-originated changes out of Watch delivery.
type Event struct {
	Key    string `json:"key"`
	Old    string `json:"old,omitempty"`
	New    string `json:"new,omitempty"`
	HadOld bool   `json:"had_old,omitempty"`
	HasNew bool   `json:"has_new,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Store abstracts the durable key/value substrate shared by all peers. It is
// the ground truth for ownership; the bus is only an optimization on top.
//
// Watch streams changes made by other store handles. A handle never observes
// its own writes through Watch.
type Store interface {
	// Get retrieves the value for a key. The boolean return indicates
	// whether the key was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores the value for a key.
	Set(ctx context.Context, key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Watch subscribes to externally-originated changes. The returned
	// channel receives events until the context is canceled or Unwatch is
	// called.
	Watch(ctx context.Context) (<-chan Event, error)
	// Unwatch stops delivering events to ch.
	Unwatch(ctx context.Context, ch <-chan Event) error
	// Close releases resources held by this handle.
	Close() error
}

// InMemoryHub is a process-local shared substrate mainly for tests and
// simulations. Every handle minted by Store shares the same map; changes made
// through one handle are fanned out to the watchers of all other handles.
type InMemoryHub struct {
	mu      sync.Mutex
	items   map[string]string
	handles []*InMemoryStore
}

// NewInMemoryHub returns an empty hub.
func NewInMemoryHub() *InMemoryHub {
	return &InMemoryHub{items: make(map[string]string)}
}

// Store mints a new handle sharing this hub's data.
func (h *InMemoryHub) Store() *InMemoryStore {
	s := &InMemoryStore{hub: h, id: uuid.NewString()}
	h.mu.Lock()
	h.handles = append(h.handles, s)
	h.mu.Unlock()
	return s
}

// broadcast delivers ev to the watchers of every handle except the writer.
// Callers must not hold h.mu.
func (h *InMemoryHub) broadcast(ev Event) {
	h.mu.Lock()
	var chans []chan Event
	for _, s := range h.handles {
		if s.id == ev.Origin {
			continue
		}
		s.mu.Lock()
		chans = append(chans, s.watchers...)
		s.mu.Unlock()
	}
	h.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

// InMemoryStore is one peer's handle on an InMemoryHub.
type InMemoryStore struct {
	hub *InMemoryHub
	id  string

	mu       sync.Mutex
	watchers []chan Event
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.hub.mu.Lock()
	v, ok := s.hub.items[key]
	s.hub.mu.Unlock()
	return v, ok, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	old, had := s.hub.items[key]
	s.hub.items[key] = value
	s.hub.mu.Unlock()
	s.hub.broadcast(Event{Key: key, Old: old, New: value, HadOld: had, HasNew: true, Origin: s.id})
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	old, had := s.hub.items[key]
	delete(s.hub.items, key)
	s.hub.mu.Unlock()
	if had {
		s.hub.broadcast(Event{Key: key, Old: old, HadOld: true, Origin: s.id})
	}
	return nil
}

// Watch implements Store.Watch.
func (s *InMemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = s.Unwatch(context.Background(), ch)
		}()
	}
	return ch, nil
}

// Unwatch implements Store.Unwatch.
func (s *InMemoryStore) Unwatch(ctx context.Context, ch <-chan Event) error {
	s.mu.Lock()
	for i, c := range s.watchers {
		if c == ch {
			s.watchers[i] = s.watchers[len(s.watchers)-1]
			s.watchers = s.watchers[:len(s.watchers)-1]
			close(c)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// Close implements Store.Close.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	for _, c := range s.watchers {
		close(c)
	}
	s.watchers = nil
	s.mu.Unlock()
	return nil
}
