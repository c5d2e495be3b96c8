package coord

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-claim/v1/bus"
	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/store"
)

func testConfig() Config {
	return Config{
		Group:           "test",
		HeartbeatPeriod: 10 * time.Millisecond,
		CommitEvery:     2,
		StaleAfter:      200 * time.Millisecond,
		TakeoverWait:    20 * time.Millisecond,
		ElectionWindow:  40 * time.Millisecond,
		JitterMin:       time.Millisecond,
		JitterMax:       5 * time.Millisecond,
	}
}

func newPeer(t *testing.T, hub *store.InMemoryHub, b *bus.InMemoryBus, hooks Hooks) *Coordinator {
	t.Helper()
	c, err := New(hub.Store(), b, testConfig(), hooks)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClaimUncontested(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	var became atomic.Bool
	c := newPeer(t, hub, b, Hooks{OnBecameOwner: func() { became.Store(true) }})

	won, err := c.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("expected claim to win")
	}
	if !c.IsOwner() {
		t.Fatal("expected IsOwner after confirmed claim")
	}
	if !became.Load() {
		t.Fatal("expected became-owner hook")
	}

	probe := hub.Store()
	owner, ok, err := probe.Get(ctx, "test/owner")
	if err != nil || !ok {
		t.Fatalf("owner key missing: ok=%v err=%v", ok, err)
	}
	if owner != c.ID() {
		t.Fatalf("owner key %q, want %q", owner, c.ID())
	}
	if _, ok, _ := probe.Get(ctx, "test/heartbeat"); !ok {
		t.Fatal("expected heartbeat committed on transition to owner")
	}
}

func TestClaimAlreadyOwnerIsNoop(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()
	c := newPeer(t, hub, b, Hooks{})

	if won, _ := c.Claim(ctx); !won {
		t.Fatal("first claim should win")
	}
	won, err := c.Claim(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !won {
		t.Fatal("claim while owner should report success")
	}
}

func TestClaimWhileActivelyHeldFails(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	a := newPeer(t, hub, b, Hooks{})
	if won, _ := a.Claim(ctx); !won {
		t.Fatal("peer A should win uncontested claim")
	}

	bPeer := newPeer(t, hub, b, Hooks{})
	won, err := bPeer.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if won {
		t.Fatal("claim against a live owner must fail")
	}
	if bPeer.IsOwner() {
		t.Fatal("loser must not believe it is owner")
	}
}

func TestClaimAfterRelease(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	var lost atomic.Bool
	a := newPeer(t, hub, b, Hooks{OnLostOwnership: func() { lost.Store(true) }})
	if won, _ := a.Claim(ctx); !won {
		t.Fatal("peer A should win")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.IsOwner() {
		t.Fatal("A still owner after release")
	}
	if !lost.Load() {
		t.Fatal("expected lost-ownership hook")
	}

	probe := hub.Store()
	if _, ok, _ := probe.Get(ctx, "test/owner"); ok {
		t.Fatal("owner key should be deleted on release")
	}
	if _, ok, _ := probe.Get(ctx, "test/heartbeat"); ok {
		t.Fatal("heartbeat key should be deleted on release")
	}

	bPeer := newPeer(t, hub, b, Hooks{})
	won, err := bPeer.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("claim immediately after release should win without stale wait")
	}
}

func TestClaimStaleOwnerSucceeds(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	stale := time.Now().Add(-time.Second).UnixMilli()
	seed := hub.Store()
	if err := seed.Set(ctx, "test/owner", "dead-peer"); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := seed.Set(ctx, "test/heartbeat", strconv.FormatInt(stale, 10)); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	c := newPeer(t, hub, b, Hooks{})
	won, err := c.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("claim over a stale owner must win")
	}
}

func TestClaimOwnerWithoutHeartbeatIsStale(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	if err := hub.Store().Set(ctx, "test/owner", "vanished-peer"); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	c := newPeer(t, hub, b, Hooks{})
	won, err := c.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("owner record without heartbeat must be claimable")
	}
}

func TestHeartbeatCommitsPeriodically(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	c := newPeer(t, hub, b, Hooks{})
	if won, _ := c.Claim(ctx); !won {
		t.Fatal("claim should win")
	}
	probe := hub.Store()
	first, ok, _ := probe.Get(ctx, "test/heartbeat")
	if !ok {
		t.Fatal("heartbeat missing after claim")
	}
	waitFor(t, time.Second, func() bool {
		cur, ok, _ := probe.Get(ctx, "test/heartbeat")
		return ok && cur != first
	}, "heartbeat was never recommitted")
}

func TestReleaseNotOwnerIsNoop(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	var lost atomic.Bool
	c := newPeer(t, hub, b, Hooks{OnLostOwnership: func() { lost.Store(true) }})
	if err := c.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if lost.Load() {
		t.Fatal("lost-ownership hook must not fire when not owner")
	}
	if got := b.Metrics().Published; got != 0 {
		t.Fatalf("expected no broadcasts, got %d", got)
	}
	if _, ok, _ := hub.Store().Get(ctx, "test/owner"); ok {
		t.Fatal("store must remain untouched")
	}
}

func TestCloseIdempotentAndRejectsClaims(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	c, err := New(hub.Store(), b, testConfig(), Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Claim(context.Background()); err != claimerrors.ErrClosed {
		t.Fatalf("claim after close: got %v, want ErrClosed", err)
	}
	if _, err := c.RequestTakeover(context.Background()); err != claimerrors.ErrClosed {
		t.Fatalf("takeover after close: got %v, want ErrClosed", err)
	}
}

func TestCloseStopsHeartbeat(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()
	c, err := New(hub.Store(), b, testConfig(), Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if won, _ := c.Claim(ctx); !won {
		t.Fatal("claim should win")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close leaves the record behind: no protocol messages, no deletes.
	probe := hub.Store()
	if _, ok, _ := probe.Get(ctx, "test/owner"); !ok {
		t.Fatal("destroy must not delete the owner record")
	}
	hb, _, _ := probe.Get(ctx, "test/heartbeat")
	time.Sleep(50 * time.Millisecond)
	if cur, _, _ := probe.Get(ctx, "test/heartbeat"); cur != hb {
		t.Fatal("heartbeat still being committed after close")
	}
}

func TestEventualExclusivityAcrossManyPeers(t *testing.T) {
	hub := store.NewInMemoryHub()
	b := bus.NewInMemoryBus()
	ctx := context.Background()

	const n = 5
	peers := make([]*Coordinator, n)
	for i := range peers {
		peers[i] = newPeer(t, hub, b, Hooks{})
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Coordinator) {
			defer wg.Done()
			<-start
			_, _ = p.Claim(ctx)
		}(p)
	}
	close(start)
	wg.Wait()

	// Any split resolves when the losers observe the final record. Losing
	// (or yielding to a racing write) is not an error, so peers retry.
	waitFor(t, 2*time.Second, func() bool {
		owners := 0
		for _, p := range peers {
			if p.IsOwner() {
				owners++
			}
		}
		if owners == 0 {
			_, _ = peers[0].Claim(ctx)
		}
		return owners == 1
	}, "peers did not converge on exactly one owner")
}
