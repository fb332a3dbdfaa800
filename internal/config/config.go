// Package config loads the wsserver process configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration.
type Config struct {
	// Transport.
	ListenAddr     string        `env:"LISTEN_ADDR"      envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS"  envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"     envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`
	SendBuffer     int           `env:"SEND_BUFFER"      envDefault:"64"`

	// Collaborators.
	RedisAddr   string `env:"REDIS_ADDR"   envDefault:"localhost:6379"`
	NATSURL     string `env:"NATS_URL"     envDefault:"nats://localhost:4222"`
	DatabaseURL string `env:"DATABASE_URL"` // empty disables session history
	ServerName  string `env:"SERVER_NAME"`

	// Auth.
	JWTSecret      string `env:"JWT_SECRET"` // empty allows anonymous clients only
	AllowAnonymous bool   `env:"ALLOW_ANONYMOUS" envDefault:"true"`

	// Abuse controls.
	RateLimit bool `env:"RATE_LIMIT" envDefault:"true"` // false disables every rate limit rule

	// Engine.
	GracePeriod    time.Duration `env:"GRACE_PERIOD"    envDefault:"5m"`
	RequeuePartner bool          `env:"REQUEUE_PARTNER" envDefault:"false"`
	EventBuffer    int           `env:"EVENT_BUFFER"    envDefault:"4096"`
	PresenceTTL    time.Duration `env:"PRESENCE_TTL"    envDefault:"24h"`

	StartupRetries uint64 `env:"STARTUP_RETRIES" envDefault:"5"`
}

// Load parses the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	case c.SendBuffer <= 0:
		return fmt.Errorf("config: SEND_BUFFER must be positive, got %d", c.SendBuffer)
	case c.EventBuffer <= 0:
		return fmt.Errorf("config: EVENT_BUFFER must be positive, got %d", c.EventBuffer)
	case c.GracePeriod <= 0:
		return fmt.Errorf("config: GRACE_PERIOD must be positive, got %s", c.GracePeriod)
	case c.JWTSecret == "" && !c.AllowAnonymous:
		return fmt.Errorf("config: JWT_SECRET is required when ALLOW_ANONYMOUS is false")
	}
	return nil
}
