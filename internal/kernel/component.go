package kernel

import "context"

// Func adapts a pair of functions into a Component.
type Func struct {
	ComponentName string
	StartFunc     func(ctx context.Context) error
	ShutdownFunc  func(ctx context.Context) error
}

// Name implements Component.
func (f Func) Name() string {
	return f.ComponentName
}

// Start implements Component.
func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		<-ctx.Done()
		return nil
	}

	return f.StartFunc(ctx)
}

// Shutdown implements Component; a nil ShutdownFunc is a no-op.
func (f Func) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}

	return f.ShutdownFunc(ctx)
}
