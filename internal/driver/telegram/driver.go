package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"channel-mirror/pkg/mirror"
)

const (
	// DriverType prefixes component and driver names for the Telegram runtime.
	DriverType = "telegram"

	defaultHandleTimeout = 2 * time.Minute
)

// driverConfig contains runtime controls for handler timeout and error reporting.
type driverConfig struct {
	name          string
	handleTimeout time.Duration
	logger        *slog.Logger
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity used in logs.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithHandleTimeout bounds how long one event may spend in the handler.
func WithHandleTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.handleTimeout = timeout
		}
	}
}

// WithLogger injects the driver logger.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(cfg *driverConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Driver adapts Telegram updates into mirror events.
type Driver struct {
	cfg     driverConfig
	source  UpdateSource
	decoder Decoder
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	cfg := driverConfig{
		name:          DriverType,
		handleTimeout: defaultHandleTimeout,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
	}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start consumes Telegram updates and hands mirror events to handler.
//
// Decode failures are logged and skipped so one bad update cannot stop the mirror.
func (d *Driver) Start(ctx context.Context, handler mirror.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("start telegram driver: nil handler")
	}

	consume := func(handlerCtx context.Context, update Update) error {
		d.handleUpdate(handlerCtx, update, handler)
		return nil
	}

	if err := d.source.Consume(ctx, consume); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

// handleUpdate decodes one platform update and applies it with bounded latency.
func (d *Driver) handleUpdate(ctx context.Context, update Update, handler mirror.EventHandler) {
	event, accepted, err := d.decodeSafely(ctx, update)
	if err != nil {
		d.cfg.logger.WarnContext(ctx, "telegram update dropped",
			"driver", d.cfg.name,
			"update_id", update.ID,
			"error", err,
		)
		return
	}
	if !accepted {
		return
	}

	d.cfg.logger.InfoContext(ctx, "telegram channel update",
		"driver", d.cfg.name,
		"kind", event.Kind,
		"ids", event.IDs,
	)

	handleCtx := ctx
	cancel := func() {}
	if d.cfg.handleTimeout > 0 {
		handleCtxWithTimeout, handleCancel := context.WithTimeout(ctx, d.cfg.handleTimeout)
		handleCtx = handleCtxWithTimeout
		cancel = handleCancel
	}
	defer cancel()

	handler.Handle(handleCtx, event)
}

// decodeSafely protects decoder panics at the adapter boundary.
func (d *Driver) decodeSafely(ctx context.Context, update Update) (decoded mirror.Event, accepted bool, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("decode telegram update %s panic: %v", update.Type, recovered)
	}()

	decoded, accepted, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return mirror.Event{}, false, fmt.Errorf("decode telegram update %s: %w", update.Type, err)
	}

	return decoded, accepted, nil
}
