// Command pony is a simulated robot driver for development and testing.
//
// It speaks the controller side of the paddock control bus: it publishes
// heartbeats at the configured interval, applies incoming actions to a
// first-order lag model of a small actuator rig, and replies with an
// observation per action. A reset action returns the rig to its home pose and
// is acknowledged with a reset-complete observation.
//
// Configuration comes from the environment variables the supervisor injects:
//
//	PADDOCK_INSTANCE    instance name (required)
//	PADDOCK_PROCESS     process name within the instance (required)
//	PADDOCK_REDIS_ADDR  Redis address (default localhost:6379)
//	PONY_DIM            actuator count (default 2)
//	PONY_HEARTBEAT_MS   heartbeat interval in milliseconds (default 500)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/paddock/pkg/wire"
)

func main() {
	instance := os.Getenv("PADDOCK_INSTANCE")
	process := os.Getenv("PADDOCK_PROCESS")
	if instance == "" || process == "" {
		log.Fatal("[ERROR] PADDOCK_INSTANCE and PADDOCK_PROCESS must be set")
	}

	redisAddr := os.Getenv("PADDOCK_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	dim := envInt("PONY_DIM", 2)
	heartbeat := time.Duration(envInt("PONY_HEARTBEAT_MS", 500)) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := wire.NewClient(&redis.Options{Addr: redisAddr}, instance)
	if err != nil {
		log.Fatalf("[ERROR] invalid instance name: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		log.Fatalf("[ERROR] cannot reach Redis at %s: %v", redisAddr, err)
	}

	actions, err := client.SubscribeActions(ctx)
	if err != nil {
		log.Fatalf("[ERROR] failed to subscribe to actions: %v", err)
	}
	defer actions.Close()

	driver := &rig{
		pos: make([]float64, dim),
		vel: make([]float64, dim),
	}

	log.Printf("[INFO] pony driver '%s' up on instance '%s' (dim=%d, heartbeat=%s)",
		process, instance, dim, heartbeat)

	// The first heartbeat is the readiness signal; send it only once the
	// action subscription is live so no action can be lost.
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	beat(ctx, client, process)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] pony driver '%s' shutting down", process)
			return

		case <-ticker.C:
			beat(ctx, client, process)

		case err, ok := <-actions.Errors():
			if !ok {
				return
			}
			log.Printf("[WARN] dropped malformed action: %v", err)

		case msg, ok := <-actions.Events():
			if !ok {
				return
			}
			obs := driver.apply(msg)
			if err := client.PublishObservation(ctx, obs); err != nil {
				log.Printf("[WARN] failed to publish observation %d: %v", obs.Seq, err)
			}
		}
	}
}

func beat(ctx context.Context, client *wire.Client, process string) {
	hb := wire.Heartbeat{Process: process, SentAtMs: time.Now().UnixMilli()}
	if err := client.PublishHeartbeat(ctx, hb); err != nil {
		log.Printf("[WARN] failed to publish heartbeat: %v", err)
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[WARN] ignoring invalid %s=%q", key, v)
	}
	return fallback
}

// rig is a first-order lag model of a small actuator rig. Each action value
// is a commanded velocity; position tracks it with exponential smoothing.
type rig struct {
	pos []float64
	vel []float64
}

const lag = 0.7 // smoothing factor per applied action

func (r *rig) apply(msg wire.ActionMessage) wire.Observation {
	if msg.Reset {
		for i := range r.pos {
			r.pos[i] = 0
			r.vel[i] = 0
		}
		return r.observe(msg.Seq, true)
	}

	for i := range r.pos {
		cmd := 0.0
		if i < len(msg.Values) {
			cmd = msg.Values[i]
		}
		r.vel[i] = lag*r.vel[i] + (1-lag)*cmd
		r.pos[i] += r.vel[i]
	}
	return r.observe(msg.Seq, false)
}

func (r *rig) observe(seq uint64, resetComplete bool) wire.Observation {
	values := make([]float64, 0, len(r.pos)*2)
	values = append(values, r.pos...)
	values = append(values, r.vel...)
	return wire.Observation{
		Seq:           seq,
		Values:        values,
		ResetComplete: resetComplete,
		CapturedAtMs:  time.Now().UnixMilli(),
	}
}
