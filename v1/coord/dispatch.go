package coord

import (
	"context"
	"log/slog"

	"github.com/mirkobrombin/go-claim/v1/bus"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/store"
)

// dispatch is the single event loop: every inbound bus message and store
// change runs to completion here before the next is handled, so protocol
// handlers never execute concurrently with each other.
func (c *Coordinator) dispatch() {
	defer close(c.done)
	msgs, events := c.msgs, c.events
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				break
			}
			c.handleMessage(msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			c.handleStoreEvent(ev)
		case <-c.stop:
			return
		}
		if msgs == nil && events == nil {
			return
		}
	}
}

func (c *Coordinator) handleMessage(msg bus.Message) {
	metrics.MessagesDispatched.Inc()
	if c.seenNonce(msg.Nonce) {
		return
	}
	switch msg.Type {
	case bus.TypePing:
		// Liveness only; the durable heartbeat drives staleness.
		return
	case bus.TypeTakeoverCandidate:
		// Recorded before the self-origin filter: candidates matter
		// whether or not this peer is mid-election.
		if msg.From != c.id {
			c.mu.Lock()
			c.candidates[msg.From] = struct{}{}
			c.mu.Unlock()
		}
		return
	}
	if msg.From == c.id {
		return // self-originated echo
	}
	switch msg.Type {
	case bus.TypeOwnerChanged:
		c.notifyOwner(msg.Owner)
	case bus.TypeRequestRelease:
		if c.IsOwner() {
			c.hooks.takeoverRequested(msg.From)
			if err := c.release(context.Background(), true); err != nil {
				slog.Warn("claim: release after takeover request failed", "peer", c.id, "error", err)
			}
		}
	case bus.TypeReleased:
		c.notifyOwner("")
	}
}

func (c *Coordinator) handleStoreEvent(ev store.Event) {
	if ev.Key != c.cfg.ownerKey() {
		return
	}
	newOwner := ""
	if ev.HasNew {
		newOwner = ev.New
	}
	c.mu.Lock()
	forced := c.owner && newOwner != c.id
	c.mu.Unlock()
	if forced {
		// Another peer silently overwrote the record; yield rather
		// than contest it.
		metrics.ForcedReleases.Inc()
		if err := c.release(context.Background(), false); err != nil {
			slog.Warn("claim: forced release failed", "peer", c.id, "error", err)
		}
	}
	c.notifyOwner(newOwner)
}

// notifyOwner invokes the owner-changed hook at most once per distinct
// transition.
func (c *Coordinator) notifyOwner(owner string) {
	c.mu.Lock()
	if c.notified && c.lastNotified == owner {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.lastNotified = owner
	c.mu.Unlock()
	c.hooks.ownerChanged(owner)
}

// seenNonce drops publications redelivered by networked backends. Best
// effort: the protocol tolerates duplicates, this just avoids callback churn.
func (c *Coordinator) seenNonce(nonce string) bool {
	if nonce == "" {
		return false
	}
	if _, ok := c.seen.Get(nonce); ok {
		return true
	}
	c.seen.SetWithTTL(nonce, struct{}{}, 1, c.cfg.StaleAfter)
	// Sets are buffered; flush so a back-to-back redelivery hits the cache.
	c.seen.Wait()
	return false
}
