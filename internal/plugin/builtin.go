package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/noco-ai/arcane-bridge/internal/modules"
)

// Factory builds an interceptor bound to a logger.
type Factory func(logger *slog.Logger) Interceptor

// Builtins is the compile-time registry of interceptors that config can name.
var Builtins = modules.NewRegistry[Factory]("interceptor")

func init() {
	Builtins.MustRegister("log_calls", func() (Factory, error) { return LogCalls, nil })
	Builtins.MustRegister("timing", func() (Factory, error) { return Timing, nil })
}

// LogCalls logs every call at debug level along with its error, if any.
func LogCalls(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, call *Call, next Next) (any, error) {
		res, err := next(ctx, call)
		if err != nil {
			logger.Warn("intercepted call failed", "target", call.Target, "error", err)
			return res, err
		}
		logger.Debug("intercepted call", "target", call.Target, "args", len(call.Args))
		return res, nil
	}
}

// Timing records how long the rest of the chain took.
func Timing(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, call *Call, next Next) (any, error) {
		start := time.Now()
		res, err := next(ctx, call)
		logger.Debug("call timing", "target", call.Target, "duration", time.Since(start))
		return res, err
	}
}

// Spec names one configured interceptor.
type Spec struct {
	Target    string
	Name      string
	SortOrder int
}

// Build resolves specs against Builtins and returns a populated chain.
// Unknown names fail closed.
func Build(specs []Spec, logger *slog.Logger) (*Chain, error) {
	chain := NewChain()
	for _, s := range specs {
		f, err := Builtins.Create(s.Name)
		if err != nil {
			return nil, err
		}
		chain.Use(s.Target, s.Name, s.SortOrder, f(logger.With("plugin", s.Name)))
	}
	return chain, nil
}
