package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/push"
)

// The notifier consumes the push requests the engine publishes for away
// identities, drops those whose identity is online again per the presence
// mirror, coalesces bursts and hands the survivors to device delivery.
// Delivery itself is a log line until a provider is configured.
func main() {
	log.Println("Starting Whisper notifier...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.StartupRetries), ctx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := backoff.Retry(func() error { return rdb.Ping(ctx).Err() }, policy); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-notifier-" + cfg.ServerName

	var nc *messaging.NATSClient
	err = backoff.Retry(func() error {
		client, err := messaging.NewNATSClient(natsConfig)
		nc = client
		return err
	}, policy)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	coalescer := push.NewCoalescer(rdb, push.DefaultWindow)
	mirror := presence.NewRedisMirror(rdb, cfg.ServerName, cfg.PresenceTTL)
	var delivered, coalesced, skipped atomic.Int64

	err = nc.ConsumePush("notifier", func(n messaging.Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// The request was published while the identity was away; it may have
		// reconnected since.
		if snap, err := mirror.Get(ctx, n.Identity); err != nil {
			log.Printf("[notifier] presence of %s unknown, delivering: %v", n.Identity, err)
		} else if snap != nil && snap.Status == string(presence.StatusOnline) {
			skipped.Add(1)
			return
		}
		if !coalescer.Admit(ctx, n) {
			coalesced.Add(1)
			return
		}
		delivered.Add(1)
		log.Printf("[notifier] deliver identity=%s kind=%s session=%s from=%q",
			n.Identity, n.Kind, n.SessionID, n.From)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to push requests: %v", err)
	}

	// An identity that comes back online has seen its messages.
	err = nc.SubscribePresence(func(ev messaging.PresenceEvent) {
		if ev.To != string(presence.StatusOnline) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := coalescer.Reset(ctx, ev.Identity); err != nil {
			log.Printf("[notifier] reset %s: %v", ev.Identity, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to presence: %v", err)
	}

	log.Printf("Whisper notifier running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down (delivered=%d coalesced=%d skipped=%d)...",
		sig, delivered.Load(), coalesced.Load(), skipped.Load())

	nc.Close()
	rdb.Close()
}
