package telegram

import (
	"context"
	"fmt"
	"log/slog"
)

// GotdUserbotClient abstracts gotd/td userbot session execution.
type GotdUserbotClient interface {
	// Run starts the session and executes fn within the connected lifecycle.
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// GotdRawUpdateStream provides raw gotd updates from an active session.
type GotdRawUpdateStream interface {
	// Updates returns a channel of raw gotd updates bound to ctx lifetime.
	Updates(ctx context.Context) (<-chan any, error)
}

// GotdUpdateMapper maps raw gotd updates into adapter Update DTOs.
type GotdUpdateMapper interface {
	// Map converts a raw update into adapter DTO form.
	// The accepted flag allows skipping unsupported update classes.
	Map(ctx context.Context, raw any) (Update, bool, error)
}

// GotdUserbotSourceOption mutates GotdUserbotSource behavior.
type GotdUserbotSourceOption func(*GotdUserbotSource)

// WithReadyHook runs hook inside the connected session before updates are drained.
//
// A hook error ends the session.
func WithReadyHook(hook func(ctx context.Context) error) GotdUserbotSourceOption {
	return func(source *GotdUserbotSource) {
		if hook != nil {
			source.ready = hook
		}
	}
}

// WithSourceLogger injects the logger used for skipped updates.
func WithSourceLogger(logger *slog.Logger) GotdUserbotSourceOption {
	return func(source *GotdUserbotSource) {
		if logger != nil {
			source.logger = logger
		}
	}
}

// GotdUserbotSource wires gotd userbot updates into UpdateSource.
type GotdUserbotSource struct {
	client GotdUserbotClient
	stream GotdRawUpdateStream
	mapper GotdUpdateMapper
	ready  func(ctx context.Context) error
	logger *slog.Logger
}

// NewGotdUserbotSource creates a source backed by gotd userbot session APIs.
func NewGotdUserbotSource(
	client GotdUserbotClient,
	stream GotdRawUpdateStream,
	mapper GotdUpdateMapper,
	options ...GotdUserbotSourceOption,
) (*GotdUserbotSource, error) {
	if client == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil client")
	}
	if stream == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil stream")
	}
	if mapper == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil mapper")
	}

	source := &GotdUserbotSource{
		client: client,
		stream: stream,
		mapper: mapper,
		ready:  func(context.Context) error { return nil },
		logger: slog.Default(),
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume runs a gotd session and forwards mapped updates to the handler.
//
// Unmappable updates are logged and skipped; a handler error ends the session.
func (s *GotdUserbotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume gotd userbot updates: nil handler")
	}

	err := s.client.Run(ctx, func(runCtx context.Context) error {
		if err := s.ready(runCtx); err != nil {
			return fmt.Errorf("session ready hook: %w", err)
		}

		updates, err := s.stream.Updates(runCtx)
		if err != nil {
			return fmt.Errorf("get gotd updates stream: %w", err)
		}
		if queue, ok := s.stream.(backlogReporter); ok {
			s.logger.InfoContext(runCtx, "draining updates queued during startup", "queued", queue.Backlog())
		}

		for {
			select {
			case <-runCtx.Done():
				return nil
			case rawUpdate, ok := <-updates:
				if !ok {
					return nil
				}
				if err := s.dispatch(runCtx, rawUpdate, handler); err != nil {
					return err
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume gotd userbot updates: %w", err)
	}

	return nil
}

// backlogReporter is implemented by streams that buffer updates before Consume drains them.
type backlogReporter interface {
	Backlog() int
}

// dispatch maps one raw update and hands accepted ones to handler.
func (s *GotdUserbotSource) dispatch(ctx context.Context, rawUpdate any, handler UpdateHandler) error {
	mapped, accepted, err := s.mapUpdateSafely(ctx, rawUpdate)
	if err != nil {
		s.logger.WarnContext(ctx, "skip unmappable gotd update", "error", err)
		return nil
	}
	if !accepted {
		return nil
	}
	if err := handler(ctx, mapped); err != nil {
		return fmt.Errorf("consume gotd update %s: %w", mapped.Type, err)
	}

	return nil
}

// mapUpdateSafely isolates mapper panics so a bad mapping path cannot crash the process.
func (s *GotdUserbotSource) mapUpdateSafely(ctx context.Context, rawUpdate any) (mapped Update, accepted bool, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("map gotd update panic: %v", recovered)
	}()

	mapped, accepted, err = s.mapper.Map(ctx, rawUpdate)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}

	return mapped, accepted, nil
}
