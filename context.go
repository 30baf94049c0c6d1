package marketsync

import "context"

type engineKey struct{}

// WithEngine returns a copy of ctx carrying e.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, e)
}

// EngineFrom returns the engine stored by WithEngine.
func EngineFrom(ctx context.Context) (*Engine, bool) {
	e, ok := ctx.Value(engineKey{}).(*Engine)
	return e, ok && e != nil
}
