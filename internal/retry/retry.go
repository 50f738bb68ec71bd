// Package retry re-runs storage operations that fail with transient errors.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the retry ceiling after the first attempt.
	DefaultMaxRetries = 3
	// DefaultDelay is the fixed wait between attempts.
	DefaultDelay = time.Second
)

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(err error) bool

// Option mutates Retrier configuration.
type Option func(*Retrier)

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(maxRetries uint64) Option {
	return func(retrier *Retrier) {
		retrier.maxRetries = maxRetries
	}
}

// WithDelay sets the wait between attempts.
func WithDelay(delay time.Duration) Option {
	return func(retrier *Retrier) {
		if delay >= 0 {
			retrier.delay = delay
		}
	}
}

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(retrier *Retrier) {
		if newTimer != nil {
			retrier.newTimer = newTimer
		}
	}
}

// WithLogger injects the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(retrier *Retrier) {
		if logger != nil {
			retrier.logger = logger
		}
	}
}

// Retrier runs keyed operations with bounded constant-delay retry.
//
// Keys identify one logical operation instance (for example "insert_42"). Calls
// with different keys never share state; a key's attempt counter is removed when
// its call returns, whatever the outcome.
type Retrier struct {
	classify   Classifier
	maxRetries uint64
	delay      time.Duration
	newTimer   func() backoff.Timer
	logger     *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// New creates a Retrier that retries errors accepted by classify.
func New(classify Classifier, options ...Option) (*Retrier, error) {
	if classify == nil {
		return nil, fmt.Errorf("new retrier: nil classifier")
	}

	retrier := &Retrier{
		classify:   classify,
		maxRetries: DefaultMaxRetries,
		delay:      DefaultDelay,
		logger:     slog.Default(),
		attempts:   make(map[string]int),
	}
	for _, option := range options {
		option(retrier)
	}

	return retrier, nil
}

// Do runs op until it succeeds, fails terminally, or exhausts the retry ceiling.
//
// The last error is returned unchanged so callers can match sentinels with errors.Is.
func (r *Retrier) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	if op == nil {
		return fmt.Errorf("retry %s: nil operation", key)
	}
	defer r.clear(key)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), r.maxRetries),
		ctx,
	)
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !r.classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		attempt := r.bump(key)
		r.logger.WarnContext(ctx,
			"transient storage failure, retrying",
			"key", key,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}

	return backoff.RetryNotifyWithTimer(operation, policy, notify, timer)
}

// Value runs a value-returning operation through r.Do.
func Value[T any](ctx context.Context, r *Retrier, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, key, func(runCtx context.Context) error {
		value, err := op(runCtx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

// Pending returns the keys that currently hold retry state.
func (r *Retrier) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.attempts))
	for key := range r.attempts {
		keys = append(keys, key)
	}

	return keys
}

func (r *Retrier) bump(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[key]++
	return r.attempts[key]
}

func (r *Retrier) clear(key string) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}
