package server

import (
	"log/slog"

	"github.com/relves/kerilog/pkg/kel"
)

// DefaultMaxBodyBytes bounds request bodies unless overridden.
const DefaultMaxBodyBytes = 4 << 20

// Config holds server configuration.
type Config struct {
	// KEL serves identifier heads. Without it the head route answers 404.
	KEL          *kel.Database
	Validator    RequestValidator
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Option configures the server.
type Option func(*Config)

// WithKEL sets the key event database whose heads are served.
func WithKEL(db *kel.Database) Option {
	return func(c *Config) {
		c.KEL = db
	}
}

// WithValidator sets a request validator for access or rate-limit checks.
// If nil (default), no validation is performed.
func WithValidator(v RequestValidator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMaxBodyBytes bounds the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBodyBytes = n
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{
		Logger:       slog.Default(),
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
