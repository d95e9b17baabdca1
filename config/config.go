// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-driven configuration of the sync server.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"LISTEN_ADDR,default=:8787"`

	// PagesDir, when set, serves pages from a directory tree and watches
	// it for metadata events. When empty an in-memory demo store is used.
	PagesDir string `env:"PAGES_DIR"`

	// RedisAddr, when set, fans metadata events out through Redis
	// Pub/Sub so multiple server nodes share one channel. When empty the
	// channel is in-process only.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// SessionSecret signs session tokens and derives CSRF tokens.
	SessionSecret string `env:"SESSION_SECRET,required"`

	// GracePeriod is how long an idle document session is kept after its
	// last subscriber disconnects.
	GracePeriod time.Duration `env:"SESSION_GRACE_PERIOD,default=30s"`

	// SubscriberBuffer bounds the per-connection frame queue.
	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER,default=64"`

	// MaxDeltaBytes bounds the accepted delta body size.
	MaxDeltaBytes int64 `env:"MAX_DELTA_BYTES,default=1048576"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
