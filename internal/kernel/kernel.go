// Package kernel runs the long-lived mirror components under one lifecycle.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrComponentAlreadyRegistered indicates a duplicate component name.
var ErrComponentAlreadyRegistered = errors.New("kernel: component already registered")

// Component is one long-running part of the process, such as the update
// consumer or the HTTP server.
type Component interface {
	// Name identifies the component in logs and errors.
	Name() string
	// Start blocks until ctx is canceled, Shutdown is called, or a fatal error occurs.
	Start(ctx context.Context) error
	// Shutdown releases resources; it runs after Start's context is canceled.
	Shutdown(ctx context.Context) error
}

// Kernel starts components concurrently and tears them down in reverse order.
type Kernel struct {
	cfg config

	mu         sync.RWMutex
	components map[string]Component
	order      []string

	runMu   sync.Mutex
	running bool
}

// New creates a kernel.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:        cfg,
		components: make(map[string]Component),
		order:      make([]string, 0),
	}
}

// Register adds a component; registration order is start order.
func (k *Kernel) Register(component Component) error {
	if component == nil {
		return fmt.Errorf("register component: nil component")
	}
	name := component.Name()
	if name == "" {
		return fmt.Errorf("register component: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.components[name]; exists {
		return fmt.Errorf("register component %s: %w", name, ErrComponentAlreadyRegistered)
	}
	k.components[name] = component
	k.order = append(k.order, name)

	return nil
}

// Run starts every component and blocks until ctx is canceled or one fails.
//
// Context cancellation is a clean stop and returns nil.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	components := k.snapshot()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	for _, component := range components {
		group.Go(func() error {
			k.cfg.logger.InfoContext(groupCtx, "component starting", "component", component.Name())
			err := runSafely("component "+component.Name()+" Start", func() error {
				return component.Start(groupCtx)
			})
			if err == nil || isContextCancellation(err) {
				return nil
			}
			k.logPanic(groupCtx, err)
			return fmt.Errorf("run component %s: %w", component.Name(), err)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	<-groupCtx.Done()
	runCancel()

	shutdownErr := k.shutdownAll(ctx, components)

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(k.cfg.shutdownTimeout):
		runErr = fmt.Errorf("kernel run: components still running after %s", k.cfg.shutdownTimeout)
	}

	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}

	return shutdownErr
}

// startRun serializes Run invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

// finishRun releases the single-run guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

func (k *Kernel) snapshot() []Component {
	k.mu.RLock()
	defer k.mu.RUnlock()

	components := make([]Component, 0, len(k.order))
	for _, name := range k.order {
		components = append(components, k.components[name])
	}

	return components
}

// shutdownAll runs Shutdown in reverse registration order within the shutdown timeout.
// It uses WithoutCancel so cleanup still runs after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context, components []Component) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for idx := len(components) - 1; idx >= 0; idx-- {
		component := components[idx]
		err := runSafely("component "+component.Name()+" Shutdown", func() error {
			return component.Shutdown(shutdownCtx)
		})
		if err != nil {
			k.logPanic(shutdownCtx, err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown component %s: %w", component.Name(), err))
		}
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

func (k *Kernel) logPanic(ctx context.Context, err error) {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		k.cfg.logger.ErrorContext(ctx, "component panicked",
			"scope", panicErr.Scope,
			"panic", fmt.Sprint(panicErr.Value),
			"stack", string(panicErr.Stack),
		)
	}
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
