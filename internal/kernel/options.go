package kernel

import (
	"log/slog"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// config stores resolved kernel runtime settings after option application.
type config struct {
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option mutates kernel construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		shutdownTimeout: defaultShutdownTimeout,
		logger:          slog.Default(),
	}
}

// WithShutdownTimeout bounds component shutdown and the wait for Start to return.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithLogger injects the kernel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}
