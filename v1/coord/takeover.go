package coord

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-claim/v1/bus"
	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/metrics"
)

// RequestTakeover negotiates ownership despite a possibly-live owner: it asks
// the current owner to step down, waits out the grace period, then runs an
// election among simultaneous challengers before attempting the claim write.
// It returns false when this peer lost the election or another peer reclaimed
// the resource first. Already being owner is a no-op success, including during
// a heartbeat-loss window: the next durable commit self-heals the record.
func (c *Coordinator) RequestTakeover(ctx context.Context) (bool, error) {
	v, err, _ := c.flight.Do("takeover", func() (any, error) {
		return c.takeover(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Coordinator) takeover(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "coord.RequestTakeover")
	defer span.End()
	span.SetAttributes(attribute.String("claim.peer", c.id))

	if c.isClosed() {
		return false, claimerrors.ErrClosed
	}
	if c.IsOwner() {
		return true, nil
	}
	metrics.TakeoverRounds.Inc()

	// Give a cooperative live owner the chance to release voluntarily.
	c.publish(ctx, bus.Message{Type: bus.TypeRequestRelease, From: c.id})
	if err := sleep(ctx, c.cfg.TakeoverWait); err != nil {
		return false, err
	}

	// Election: the lexicographically greatest candidate observed during
	// the window wins. String order carries no meaning beyond being the
	// same total order on every peer.
	c.mu.Lock()
	c.candidates = make(map[string]struct{})
	c.mu.Unlock()
	c.publish(ctx, bus.Message{Type: bus.TypeTakeoverCandidate, From: c.id})
	if err := sleep(ctx, c.cfg.ElectionWindow); err != nil {
		return false, err
	}

	winner := c.id
	c.mu.Lock()
	for id := range c.candidates {
		if id > winner {
			winner = id
		}
	}
	c.mu.Unlock()
	span.SetAttributes(attribute.String("claim.winner", winner))
	if winner != c.id {
		return false, nil
	}

	// The owner may have reclaimed during the election; check before
	// committing to the write. writeAndConfirm re-checks once more after
	// the jitter below.
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
		metrics.TakeoverWins.Inc()
	}
	span.SetAttributes(attribute.Bool("claim.won", won))
	return won, err
}
