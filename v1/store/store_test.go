package store

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestInMemoryGetSetDelete(t *testing.T) {
	hub := NewInMemoryHub()
	s := hub.Store()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected absent key, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key should be gone")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("deleting absent key: %v", err)
	}
}

func TestInMemoryHandlesShareData(t *testing.T) {
	hub := NewInMemoryHub()
	a, b := hub.Store(), hub.Store()
	ctx := context.Background()

	if err := a.Set(ctx, "k", "from-a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, _ := b.Get(ctx, "k")
	if !ok || v != "from-a" {
		t.Fatalf("handle b sees %q ok=%v", v, ok)
	}
}

func TestWatchExcludesWriter(t *testing.T) {
	hub := NewInMemoryHub()
	a, b := hub.Store(), hub.Store()
	ctx := context.Background()

	aCh, err := a.Watch(ctx)
	if err != nil {
		t.Fatalf("watch a: %v", err)
	}
	bCh, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch b: %v", err)
	}

	if err := a.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case ev := <-bCh:
		if ev.Key != "k" || ev.New != "v" || !ev.HasNew || ev.HadOld {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event on b")
	}
	select {
	case ev := <-aCh:
		t.Fatalf("writer must not see its own change, got %+v", ev)
	default:
	}
}

func TestWatchDeleteEvent(t *testing.T) {
	hub := NewInMemoryHub()
	a, b := hub.Store(), hub.Store()
	ctx := context.Background()

	if err := a.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	bCh, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := a.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case ev := <-bCh:
		if ev.Key != "k" || ev.HasNew || !ev.HadOld || ev.Old != "v" {
			t.Fatalf("unexpected delete event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delete event")
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	hub := NewInMemoryHub()
	a, b := hub.Store(), hub.Store()
	ctx := context.Background()

	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Unwatch(ctx, ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	if err := a.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestWatchBackgroundContextLeavesNoGoroutine(t *testing.T) {
	hub := NewInMemoryHub()
	s := hub.Store()
	base := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		ch, err := s.Watch(context.Background())
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if err := s.Unwatch(context.Background(), ch); err != nil {
			t.Fatalf("unwatch: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= base+5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines leaked: %d, baseline %d", runtime.NumGoroutine(), base)
}

func TestWatchContextCancel(t *testing.T) {
	hub := NewInMemoryHub()
	s := hub.Store()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}
