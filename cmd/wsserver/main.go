package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/rendezvous/internal/auth"
	"github.com/whisper/rendezvous/internal/ban"
	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/directory"
	"github.com/whisper/rendezvous/internal/engine"
	"github.com/whisper/rendezvous/internal/history"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("Whisper presence & matchmaking server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  send_buffer:     %d", cfg.SendBuffer)
	log.Printf("  grace_period:    %s", cfg.GracePeriod)
	log.Printf("  requeue_partner: %v", cfg.RequeuePartner)
	log.Printf("  rate_limit:      %v", cfg.RateLimit)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  history:         %v", cfg.DatabaseURL != "")
	log.Printf("  server_name:     %s", cfg.ServerName)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()

	// --- Redis ---
	var rdb *redis.Client
	err = retry(startCtx, cfg.StartupRetries, "redis", func() error {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     100,
			MinIdleConns: 10,
		})
		if err := client.Ping(startCtx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		rdb = client
		return nil
	})
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-" + cfg.ServerName
	var nc *messaging.NATSClient
	err = retry(startCtx, cfg.StartupRetries, "nats", func() error {
		client, err := messaging.NewNATSClient(natsConfig)
		nc = client
		return err
	})
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	// --- PostgreSQL (optional) ---
	var store engine.MessageStore = history.NopStore{}
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		err = retry(startCtx, cfg.StartupRetries, "postgres", func() error {
			conn, err := history.Open(startCtx, cfg.DatabaseURL)
			db = conn
			return err
		})
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		if err := history.Migrate(db); err != nil {
			log.Fatalf("failed to migrate history schema: %v", err)
		}
		store = history.NewPostgresStore(db)
	}

	bans := ban.NewStore(rdb)

	// --- Engine ---
	eng := engine.New(engine.Config{
		GracePeriod:    cfg.GracePeriod,
		RequeuePartner: cfg.RequeuePartner,
		EventBuffer:    cfg.EventBuffer,
	}, engine.Deps{
		Directory: directory.NewRedisDirectory(rdb),
		Store:     store,
		Notifier:  nc,
		Offenses:  bans,
		PresenceSinks: []engine.PresenceSink{
			presence.NewRedisMirror(rdb, cfg.ServerName, cfg.PresenceTTL),
			messaging.NewPresencePublisher(nc, cfg.ServerName),
		},
	})

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.SendBuffer = cfg.SendBuffer

	server := ws.NewServer(serverConfig)
	eng.SetTransport(server)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AllowAnonymous, rdb)
	var limiter ws.Limiter
	if cfg.RateLimit {
		limiter = ratelimit.NewLimiter(rdb)
	}
	dispatcher := ws.NewDispatcher(eng, verifier, limiter)
	dispatcher.SetBans(bans)
	server.SetHandler(dispatcher)
	server.SetHealth(func(ctx context.Context) (interface{}, error) {
		return eng.Stats(ctx)
	})

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(engineCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopEngine()
	<-engineDone

	log.Printf("server stopped")
}

// retry runs connect with exponential backoff, at most retries extra times.
func retry(ctx context.Context, retries uint64, name string, connect func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
			),
			retries,
		),
		ctx,
	)
	return backoff.RetryNotify(connect, policy, func(err error, d time.Duration) {
		log.Printf("[startup] %s not ready, retrying in %s: %v", name, d.Round(time.Millisecond), err)
	})
}
