package mapistore

import "log/slog"

const defaultInitConcurrency = 4

// Config holds the registry settings.
type Config struct {
	Logger          *slog.Logger
	InitConcurrency int
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithLogger sets the logger handed to the registry. Backends receive their
// own logger through their package options.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithInitConcurrency bounds how many backends InitAll initializes at once.
func WithInitConcurrency(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.InitConcurrency = n
	}
}

// NewConfig applies opts over the defaults: a discarding logger and four
// concurrent inits.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = DiscardLogger()
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = defaultInitConcurrency
	}
	return cfg
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
