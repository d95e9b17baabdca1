package config_test

import (
	"testing"
	"time"

	"github.com/RichardCYang/DWRNote/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.GracePeriod != 30*time.Second {
		t.Fatalf("grace period = %v", cfg.GracePeriod)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Fatalf("subscriber buffer = %d", cfg.SubscriberBuffer)
	}
	if cfg.MaxDeltaBytes != 1<<20 {
		t.Fatalf("max delta bytes = %d", cfg.MaxDeltaBytes)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("SESSION_GRACE_PERIOD", "2m")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PAGES_DIR", "/srv/pages")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.GracePeriod != 2*time.Minute {
		t.Fatalf("grace period = %v", cfg.GracePeriod)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.PagesDir != "/srv/pages" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error without SESSION_SECRET")
	}
}
