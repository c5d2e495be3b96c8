package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Values live under a key
// prefix; change events are published as JSON on a dedicated pub/sub channel
// and filtered by origin on receive, since Redis itself echoes to the writer.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	id      string
	timeout time.Duration

	mu      sync.Mutex
	cancels map[<-chan Event]context.CancelFunc
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	prefix  string
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the key prefix; it also names the change event channel.
func WithPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = p
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{prefix: "claim:", timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{
		client:  client,
		prefix:  o.prefix,
		id:      uuid.NewString(),
		timeout: o.timeout,
		cancels: make(map[<-chan Event]context.CancelFunc),
	}
}

func (s *RedisStore) eventChannel() string {
	return s.prefix + "!events"
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, nil, claimerrors.ErrTimeout
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", false, claimerrors.ErrTimeout
		}
		return "", false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	old, had, _ := s.readRaw(cctx, key)
	if err := s.client.Set(cctx, s.prefix+key, value, 0).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return claimerrors.ErrTimeout
		}
		return err
	}
	s.publishEvent(cctx, Event{Key: key, Old: old, New: value, HadOld: had, HasNew: true, Origin: s.id})
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	old, had, _ := s.readRaw(cctx, key)
	n, err := s.client.Del(cctx, s.prefix+key).Result()
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return claimerrors.ErrTimeout
		}
		return err
	}
	if n > 0 && had {
		s.publishEvent(cctx, Event{Key: key, Old: old, HadOld: true, Origin: s.id})
	}
	return nil
}

func (s *RedisStore) readRaw(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) publishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.eventChannel(), data).Err()
}

// Watch implements Store.Watch.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.Background())
	ps := s.client.Subscribe(wctx, s.eventChannel())
	// Confirm the subscription before handing the channel out so callers
	// never miss events published right after Watch returns.
	rctx, rcancel := context.WithTimeout(ctx, s.timeout)
	_, err := ps.Receive(rctx)
	rcancel()
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}
	ch := make(chan Event, 16)

	s.mu.Lock()
	s.cancels[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	s.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = s.Unwatch(context.Background(), ch)
		}()
	}
	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(wctx)
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.Origin == s.id {
				continue
			}
			select {
			case ch <- ev:
			case <-wctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements Store.Unwatch.
func (s *RedisStore) Unwatch(ctx context.Context, ch <-chan Event) error {
	s.mu.Lock()
	cancel, ok := s.cancels[ch]
	if ok {
		delete(s.cancels, ch)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for ch, cancel := range s.cancels {
		cancels = append(cancels, cancel)
		delete(s.cancels, ch)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
