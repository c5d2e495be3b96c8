package coord

import (
	"fmt"
	"time"
)

// Defaults for Config. StaleAfter deliberately leaves a wide margin over
// HeartbeatPeriod*CommitEvery (7.5s of durable commits vs 15s staleness).
const (
	DefaultGroup           = "claim"
	DefaultHeartbeatPeriod = 1500 * time.Millisecond
	DefaultCommitEvery     = 5
	DefaultStaleAfter      = 15 * time.Second
	DefaultTakeoverWait    = 3 * time.Second
	DefaultElectionWindow  = 160 * time.Millisecond
	DefaultJitterMin       = 25 * time.Millisecond
	DefaultJitterMax       = 125 * time.Millisecond
)

// Config tunes the coordination protocol. The zero value takes all defaults.
type Config struct {
	// Group namespaces the store keys so independent resources can share
	// one store and bus.
	Group string
	// HeartbeatPeriod is the liveness broadcast interval while owner.
	HeartbeatPeriod time.Duration
	// CommitEvery is the number of heartbeats per durable store commit.
	CommitEvery int
	// StaleAfter is the age beyond which a recorded owner is presumed dead.
	StaleAfter time.Duration
	// TakeoverWait is the grace period after requesting voluntary release.
	TakeoverWait time.Duration
	// ElectionWindow is the candidate-collection duration.
	ElectionWindow time.Duration
	// JitterMin/JitterMax bound the randomized delay for the
	// double-checked store writes.
	JitterMin time.Duration
	JitterMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.CommitEvery <= 0 {
		c.CommitEvery = DefaultCommitEvery
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.TakeoverWait <= 0 {
		c.TakeoverWait = DefaultTakeoverWait
	}
	if c.ElectionWindow <= 0 {
		c.ElectionWindow = DefaultElectionWindow
	}
	if c.JitterMin <= 0 {
		c.JitterMin = DefaultJitterMin
	}
	if c.JitterMax <= 0 {
		c.JitterMax = DefaultJitterMax
	}
	return c
}

// Validate reports whether the configuration can keep a live owner from being
// judged stale by observers.
func (c Config) Validate() error {
	if c.JitterMax < c.JitterMin {
		return fmt.Errorf("claim: JitterMax (%v) below JitterMin (%v)", c.JitterMax, c.JitterMin)
	}
	commitInterval := c.HeartbeatPeriod * time.Duration(c.CommitEvery)
	if c.StaleAfter <= commitInterval {
		return fmt.Errorf("claim: StaleAfter (%v) must exceed HeartbeatPeriod*CommitEvery (%v)", c.StaleAfter, commitInterval)
	}
	return nil
}

func (c Config) ownerKey() string {
	return c.Group + "/owner"
}

func (c Config) heartbeatKey() string {
	return c.Group + "/heartbeat"
}
