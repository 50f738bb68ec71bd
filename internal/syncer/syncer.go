// Package syncer keeps the local record store in step with the remote channel.
//
// The Reconciler catches up on history missed while offline; the Applier
// replays live insert, update and delete notifications.
package syncer

import (
	"errors"
	"fmt"
	"log/slog"
)

// DefaultBatchSize is the number of ids covered by one history fetch.
const DefaultBatchSize = 500

// ErrAlreadyRunning indicates a reconcile pass started while another was active.
var ErrAlreadyRunning = errors.New("syncer: reconcile already running")

// config contains shared reconciler and applier tunables.
type config struct {
	batchSize int
	logger    *slog.Logger
}

// Option mutates reconciler or applier configuration.
type Option func(*config)

// WithBatchSize sets the id span fetched per history batch.
func WithBatchSize(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.batchSize = size
		}
	}
}

// WithLogger injects the logger used for sync diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func newConfig(options []Option) config {
	cfg := config{
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return cfg
}

// runSafely executes fn and converts panics into returned errors tagged with scope.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
