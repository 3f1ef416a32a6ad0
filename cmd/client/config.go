package main

import (
	"flag"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config holds client runtime configuration. Environment provides defaults, flags override.
type Config struct {
	URL         string        `env:"FACTCHECK_WEBSOCKET_URL" envDefault:"ws://localhost:8000"`
	Prompt      string        `env:"FACTCHECK_PROMPT"`
	File        string        `env:"FACTCHECK_FILE"`
	PreviewAddr string        `env:"FACTCHECK_PREVIEW_ADDR" envDefault:"127.0.0.1:8089"`
	MetricsAddr string        `env:"FACTCHECK_METRICS_ADDR"`
	Wait        time.Duration `env:"FACTCHECK_CONNECT_WAIT" envDefault:"2m"`
	Hold        bool          `env:"FACTCHECK_HOLD"`
	CallTimeout time.Duration `env:"FACTCHECK_CALL_TIMEOUT"`
	Debug       bool          `env:"FACTCHECK_DEBUG"`
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse environment")
	}
	fs := flag.NewFlagSet("factcheck", flag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", cfg.URL, "verification service socket URL (http(s) URLs are converted)")
	fs.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "verify this text and exit")
	fs.StringVar(&cfg.File, "file", cfg.File, "upload and analyze this audio/video file and exit")
	fs.StringVar(&cfg.PreviewAddr, "preview", cfg.PreviewAddr, "listen address for local media previews (empty disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve prometheus metrics on this address")
	fs.DurationVar(&cfg.Wait, "wait", cfg.Wait, "how long to wait for the connection to open")
	fs.BoolVar(&cfg.Hold, "hold", cfg.Hold, "keep serving previews after a one-shot upload until interrupted")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "per-call timeout (0 keeps the transport default)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Prompt != "" && cfg.File != "" {
		return cfg, errors.New("-prompt and -file are mutually exclusive")
	}
	return cfg, nil
}
