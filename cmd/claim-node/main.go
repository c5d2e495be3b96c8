package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-claim/v1/coord"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/monitor"
	"github.com/mirkobrombin/go-claim/v1/presets"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port")
	group := flag.String("group", "claim", "coordination group")
	mode := flag.String("mode", "redis", "redis or nats")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL := flag.String("nats-url", "nats://localhost:4222", "NATS URL")
	heartbeat := flag.Duration("heartbeat", 1500*time.Millisecond, "heartbeat period")
	staleAfter := flag.Duration("stale-after", 15*time.Second, "owner staleness threshold")
	flag.Parse()

	reg := metrics.NewRegistry()
	metrics.RegisterCoordMetrics(reg)

	cfg := coord.Config{
		Group:           *group,
		HeartbeatPeriod: *heartbeat,
		StaleAfter:      *staleAfter,
	}

	mon := monitor.New()
	rOpts := presets.RedisOptions{Addr: *redisAddr}

	var c *coord.Coordinator
	var err error
	if *mode == "nats" {
		c, err = presets.NewNATS(*natsURL, rOpts, cfg, mon.Hooks(coord.Hooks{}))
	} else {
		c, err = presets.NewRedis(rOpts, cfg, mon.Hooks(coord.Hooks{}))
	}
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()
	mon.Bind(c)

	http.HandleFunc("/claim", func(w http.ResponseWriter, r *http.Request) {
		won, err := c.Claim(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		fmt.Fprintf(w, "won=%v\n", won)
	})

	http.HandleFunc("/takeover", func(w http.ResponseWriter, r *http.Request) {
		won, err := c.RequestTakeover(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		fmt.Fprintf(w, "won=%v\n", won)
	})

	http.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		if err := c.Release(r.Context()); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		fmt.Fprintln(w, "OK")
	})

	http.Handle("/status", monitor.StatusHandler(mon))
	http.Handle("/events", monitor.SSEHandler(mon))
	http.Handle("/ws", monitor.WebSocketHandler(mon))
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Printf("claim node %s listening on :%d (mode: %s, group: %s)...", c.ID(), *port, *mode, *group)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), nil))
}
