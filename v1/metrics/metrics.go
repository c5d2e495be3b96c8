package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ClaimAttempts tracks the number of claim attempts.
	ClaimAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_attempts_total",
		Help: "Total number of claim attempts",
	})
	// ClaimWins tracks the number of confirmed ownership acquisitions.
	ClaimWins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_wins_total",
		Help: "Total number of confirmed ownership acquisitions",
	})
	// TakeoverRounds tracks the number of takeover rounds started.
	TakeoverRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_takeover_rounds_total",
		Help: "Total number of takeover rounds started",
	})
	// TakeoverWins tracks takeover rounds that ended in ownership.
	TakeoverWins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_takeover_wins_total",
		Help: "Total number of takeover rounds won",
	})
	// HeartbeatPings tracks liveness broadcasts.
	HeartbeatPings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_heartbeat_pings_total",
		Help: "Total number of liveness broadcasts",
	})
	// HeartbeatCommits tracks durable heartbeat commits.
	HeartbeatCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_heartbeat_commits_total",
		Help: "Total number of durable heartbeat commits",
	})
	// ForcedReleases tracks releases forced by an observed overwrite.
	ForcedReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_forced_releases_total",
		Help: "Total number of releases forced by another peer's write",
	})
	// MessagesDispatched tracks inbound bus messages routed by the dispatcher.
	MessagesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_messages_dispatched_total",
		Help: "Total number of inbound bus messages dispatched",
	})
	// OwnerGauge reports whether this peer currently holds ownership.
	OwnerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claim_owner",
		Help: "1 while this peer is owner, 0 otherwise",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoordMetrics registers coordinator metrics on the provided registry.
func RegisterCoordMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ClaimAttempts, ClaimWins,
		TakeoverRounds, TakeoverWins,
		HeartbeatPings, HeartbeatCommits,
		ForcedReleases, MessagesDispatched,
		OwnerGauge,
	)
}
