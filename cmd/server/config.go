package main

import (
	"flag"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config holds runtime configuration. Environment provides defaults, flags override.
type Config struct {
	ListenAddr      string        `env:"FACTCHECK_DEV_LISTEN" envDefault:":8000"`
	MetricsAddr     string        `env:"FACTCHECK_DEV_METRICS" envDefault:":9100"`
	PublicURL       string        `env:"FACTCHECK_DEV_PUBLIC_URL" envDefault:"http://localhost:8000"`
	Bucket          string        `env:"FACTCHECK_DEV_BUCKET" envDefault:"factcheck-media"`
	TicketTTL       time.Duration `env:"FACTCHECK_DEV_TICKET_TTL" envDefault:"15m"`
	CleanupInterval time.Duration `env:"FACTCHECK_DEV_CLEANUP_INTERVAL" envDefault:"30s"`
	MaxUploadBytes  int64         `env:"FACTCHECK_DEV_MAX_UPLOAD" envDefault:"536870912"`
	VerifyDelay     time.Duration `env:"FACTCHECK_DEV_VERIFY_DELAY" envDefault:"0s"`
	RequestRate     int           `env:"FACTCHECK_DEV_REQUEST_RATE" envDefault:"5"`
	GlobalRate      int           `env:"FACTCHECK_DEV_GLOBAL_RATE" envDefault:"0"`
	Burst           int           `env:"FACTCHECK_DEV_BURST" envDefault:"10"`
	RedisAddr       string        `env:"FACTCHECK_DEV_REDIS_ADDR"`
	RedisPassword   string        `env:"FACTCHECK_DEV_REDIS_PASSWORD"`
	RedisDB         int           `env:"FACTCHECK_DEV_REDIS_DB" envDefault:"0"`
	Debug           bool          `env:"FACTCHECK_DEV_DEBUG"`
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse environment")
	}
	fs := flag.NewFlagSet("factcheck-dev", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "websocket and object storage listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, dashboard and health listen address")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally reachable base URL used in presigned URLs")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket name reported in s3:// URIs")
	fs.DurationVar(&cfg.TicketTTL, "ticket-ttl", cfg.TicketTTL, "lifetime of an upload ticket and its object")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "interval for sweeping expired tickets")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload", cfg.MaxUploadBytes, "maximum accepted object size in bytes")
	fs.DurationVar(&cfg.VerifyDelay, "verify-delay", cfg.VerifyDelay, "artificial latency before answering verify")
	fs.IntVar(&cfg.RequestRate, "request-rate", cfg.RequestRate, "verify requests per second per session (0 = unlimited)")
	fs.IntVar(&cfg.GlobalRate, "global-rate", cfg.GlobalRate, "verify requests per second across sessions (0 = unlimited)")
	fs.IntVar(&cfg.Burst, "burst", cfg.Burst, "rate limiter burst size")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address; empty keeps state in memory")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return cfg, nil
}
