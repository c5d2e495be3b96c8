package presets

import (
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-claim/v1/bus"
	"github.com/mirkobrombin/go-claim/v1/coord"
	"github.com/mirkobrombin/go-claim/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Coordinator using Redis as both the shared store and the
// broadcast bus. This is the simplest production wiring: one Redis serves the
// whole coordination domain.
func NewRedis(opts RedisOptions, cfg coord.Config, hooks coord.Hooks) (*coord.Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	st := store.NewRedisStore(client)
	b := bus.NewRedisBus(bus.RedisBusOptions{Client: client})
	return coord.New(st, b, cfg, hooks)
}

// NewNATS creates a Coordinator using Redis for the durable store and NATS
// for the broadcast bus. Suited to fleets that already run NATS for fan-out
// and want store writes kept off the hot path.
func NewNATS(natsURL string, redisOpts RedisOptions, cfg coord.Config, hooks coord.Hooks) (*coord.Coordinator, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	})
	st := store.NewRedisStore(client)
	b := bus.NewNATSBus(nc)
	return coord.New(st, b, cfg, hooks)
}

// NewInMemoryStandalone creates a Coordinator on a process-local hub and bus.
// Useful for local development and simulating multiple peers in tests: mint
// every peer from the same hub and bus.
func NewInMemoryStandalone(hub *store.InMemoryHub, b *bus.InMemoryBus, cfg coord.Config, hooks coord.Hooks) (*coord.Coordinator, error) {
	return coord.New(hub.Store(), b, cfg, hooks)
}
