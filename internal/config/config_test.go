package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_NAME", "ws-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.GracePeriod != 5*time.Minute {
		t.Errorf("GracePeriod = %s, want 5m", cfg.GracePeriod)
	}
	if cfg.RequeuePartner {
		t.Error("RequeuePartner should default to false")
	}
	if !cfg.AllowAnonymous {
		t.Error("AllowAnonymous should default to true")
	}
	if !cfg.RateLimit {
		t.Error("RateLimit should default to true")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.ServerName != "ws-test" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("GRACE_PERIOD", "30s")
	t.Setenv("REQUEUE_PARTNER", "true")
	t.Setenv("SEND_BUFFER", "8")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("RATE_LIMIT", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.GracePeriod != 30*time.Second || !cfg.RequeuePartner || cfg.SendBuffer != 8 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.AllowAnonymous || cfg.RateLimit {
		t.Errorf("AllowAnonymous and RateLimit should be false: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"bad duration":       {"GRACE_PERIOD": "soon"},
		"zero workers":       {"WORKER_POOL_SIZE": "0"},
		"no auth at all":     {"ALLOW_ANONYMOUS": "false"},
		"negative grace":     {"GRACE_PERIOD": "-1s"},
		"non-numeric buffer": {"SEND_BUFFER": "lots"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
