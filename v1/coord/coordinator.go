package coord

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-claim/v1/bus"
	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-claim/v1/coord")

// Coordinator owns one peer's identity and ownership state and drives the
// claim, heartbeat and release protocol over a shared store and a broadcast
// bus. Construct one Coordinator per resource-guarding process.
type Coordinator struct {
	store store.Store
	bus   bus.Bus
	cfg   Config
	hooks Hooks
	id    string

	flight singleflight.Group
	seen   *ristretto.Cache

	mu           sync.Mutex
	owner        bool
	notified     bool
	lastNotified string
	ticks        int
	hbStop       chan struct{}
	candidates   map[string]struct{}
	closed       bool

	msgs   <-chan bus.Message
	events <-chan store.Event
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Coordinator with a fresh random identity, subscribes to the
// bus and the store's change feed, and starts the dispatch loop. The caller
// must Close it at shutdown.
func New(st store.Store, b bus.Bus, cfg Config, hooks Hooks) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:      st,
		bus:        b,
		cfg:        cfg,
		hooks:      hooks,
		id:         uuid.NewString(),
		seen:       seen,
		candidates: make(map[string]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	msgs, err := b.Subscribe(context.Background())
	if err != nil {
		return nil, err
	}
	events, err := st.Watch(context.Background())
	if err != nil {
		_ = b.Unsubscribe(context.Background(), msgs)
		return nil, err
	}
	c.msgs = msgs
	c.events = events
	go c.dispatch()
	return c, nil
}

// ID returns this peer's identity.
func (c *Coordinator) ID() string {
	return c.id
}

// IsOwner reports whether this peer currently believes it is owner.
func (c *Coordinator) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Owner reads the recorded owner from the store; empty when free.
func (c *Coordinator) Owner(ctx context.Context) (string, error) {
	v, _, err := c.store.Get(ctx, c.cfg.ownerKey())
	return v, err
}

// Claim attempts an optimistic double-checked acquisition. It returns false
// when the resource is actively held or another peer raced and won; losing is
// not an error and the caller may retry. Concurrent calls from this process
// are collapsed into one protocol round.
func (c *Coordinator) Claim(ctx context.Context) (bool, error) {
	v, err, _ := c.flight.Do("claim", func() (any, error) {
		return c.claim(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Coordinator) claim(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "coord.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("claim.peer", c.id))

	if c.isClosed() {
		return false, claimerrors.ErrClosed
	}
	if c.IsOwner() {
		return true, nil
	}
	metrics.ClaimAttempts.Inc()

	free, err := c.storeFree(ctx)
	if err != nil {
		return false, err
	}
	if !free {
		return false, nil
	}
	if err := c.sleepJitter(ctx); err != nil {
		return false, err
	}
	won, err := c.writeAndConfirm(ctx)
	if won {
		metrics.ClaimWins.Inc()
	}
	span.SetAttributes(attribute.Bool("claim.won", won))
	return won, err
}

// storeFree reports whether the store records no live owner. An owner with an
// absent or unparseable heartbeat counts as stale.
func (c *Coordinator) storeFree(ctx context.Context) (bool, error) {
	_, ok, err := c.store.Get(ctx, c.cfg.ownerKey())
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	hb, ok, err := c.store.Get(ctx, c.cfg.heartbeatKey())
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	at, err := strconv.ParseInt(hb, 10, 64)
	if err != nil {
		return true, nil
	}
	age := time.Since(time.UnixMilli(at))
	return age > c.cfg.StaleAfter, nil
}

// writeAndConfirm runs the optimistic write/confirm sequence shared by claim
// and takeover: re-check free, write self as owner, wait out the jitter, then
// read back to detect a concurrent writer. Last writer wins the record; the
// read-back makes the losers stand down.
func (c *Coordinator) writeAndConfirm(ctx context.Context) (bool, error) {
	free, err := c.storeFree(ctx)
	if err != nil {
		return false, err
	}
	if !free {
		return false, nil
	}
	if err := c.store.Set(ctx, c.cfg.ownerKey(), c.id); err != nil {
		return false, err
	}
	if err := c.sleepJitter(ctx); err != nil {
		return false, err
	}
	cur, ok, err := c.store.Get(ctx, c.cfg.ownerKey())
	if err != nil {
		return false, err
	}
	if !ok || cur != c.id {
		return false, nil
	}
	c.becomeOwner(ctx)
	return true, nil
}

func (c *Coordinator) becomeOwner(ctx context.Context) {
	c.mu.Lock()
	if c.owner || c.closed {
		c.mu.Unlock()
		return
	}
	c.owner = true
	c.ticks = 0
	c.startHeartbeatLocked()
	c.mu.Unlock()

	metrics.OwnerGauge.Set(1)
	// Commit immediately so observers never see a fresh owner as stale.
	if err := c.commitHeartbeat(ctx); err != nil {
		slog.Warn("claim: heartbeat commit failed", "peer", c.id, "error", err)
	}
	c.publish(ctx, bus.Message{Type: bus.TypeOwnerChanged, From: c.id, Owner: c.id})
	c.hooks.becameOwner()
}

func (c *Coordinator) commitHeartbeat(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.store.Set(ctx, c.cfg.heartbeatKey(), now); err != nil {
		return err
	}
	metrics.HeartbeatCommits.Inc()
	return nil
}

// startHeartbeatLocked starts the periodic liveness task. Callers hold c.mu.
func (c *Coordinator) startHeartbeatLocked() {
	stop := make(chan struct{})
	c.hbStop = stop
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.heartbeat()
			case <-stop:
				return
			}
		}
	}()
}

// stopHeartbeatLocked is idempotent; both release and Close may call it.
func (c *Coordinator) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Coordinator) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatPeriod)
	defer cancel()

	c.mu.Lock()
	if !c.owner {
		c.mu.Unlock()
		return
	}
	c.ticks++
	commit := c.ticks%c.cfg.CommitEvery == 0
	c.mu.Unlock()

	c.publish(ctx, bus.Message{Type: bus.TypePing, From: c.id})
	metrics.HeartbeatPings.Inc()
	if commit {
		if err := c.commitHeartbeat(ctx); err != nil {
			slog.Warn("claim: heartbeat commit failed", "peer", c.id, "error", err)
		}
	}
}

// Release voluntarily gives up ownership and announces it. A no-op when this
// peer is not owner.
func (c *Coordinator) Release(ctx context.Context) error {
	return c.release(ctx, true)
}

func (c *Coordinator) release(ctx context.Context, announce bool) error {
	c.mu.Lock()
	if !c.owner {
		c.mu.Unlock()
		return nil
	}
	c.owner = false
	c.stopHeartbeatLocked()
	c.mu.Unlock()
	metrics.OwnerGauge.Set(0)

	var firstErr error
	cur, ok, err := c.store.Get(ctx, c.cfg.ownerKey())
	if err != nil {
		firstErr = err
	} else if ok && cur == c.id {
		if err := c.store.Delete(ctx, c.cfg.ownerKey()); err != nil {
			firstErr = err
		}
	}
	if err := c.store.Delete(ctx, c.cfg.heartbeatKey()); err != nil && firstErr == nil {
		firstErr = err
	}
	if announce {
		c.publish(ctx, bus.Message{Type: bus.TypeReleased, From: c.id})
	}
	c.hooks.lostOwnership()
	return firstErr
}

// Close tears down timers and subscriptions without protocol messages; peers
// fall back to staleness detection. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasOwner := c.owner
	c.owner = false
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	close(c.stop)
	_ = c.bus.Unsubscribe(context.Background(), c.msgs)
	_ = c.store.Unwatch(context.Background(), c.events)
	<-c.done
	c.seen.Close()
	if wasOwner {
		metrics.OwnerGauge.Set(0)
	}
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// publish stamps the message with a nonce and timestamp and sends it on the
// bus. Bus loss is never fatal; the store remains the ground truth.
func (c *Coordinator) publish(ctx context.Context, msg bus.Message) {
	if msg.Nonce == "" {
		if n, err := hcuuid.GenerateUUID(); err == nil {
			msg.Nonce = n
		}
	}
	if msg.At == 0 {
		msg.At = time.Now().UnixMilli()
	}
	if err := c.bus.Publish(ctx, msg); err != nil {
		slog.Warn("claim: bus publish failed", "peer", c.id, "type", msg.Type, "error", err)
	}
}

func (c *Coordinator) sleepJitter(ctx context.Context) error {
	d := c.cfg.JitterMin
	if spread := c.cfg.JitterMax - c.cfg.JitterMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
