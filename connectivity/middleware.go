package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/a11yscan/kit"
)

// HandlerMiddleware decorates a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain applies mws so that mws[0] runs first on the way in.
//
//	h = Chain(Recovery(l), Logging(l, "RUN_SCAN"))(h)
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(h Handler) Handler {
		for i := range mws {
			h = mws[len(mws)-1-i](h)
		}
		return h
	}
}

// Logging records each call of service. Failures are logged at warn,
// successes at debug.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			t0 := time.Now()
			out, err := next(ctx, payload)
			attrs := []any{
				"service", service,
				"transport", kit.GetTransport(ctx),
				"trace_id", kit.GetTraceID(ctx),
				"request_id", kit.GetRequestID(ctx),
				"in_bytes", len(payload),
				"elapsed", time.Since(t0),
			}
			if err != nil {
				logger.WarnContext(ctx, "connectivity: service failed", append(attrs, "error", err)...)
				return out, err
			}
			logger.DebugContext(ctx, "connectivity: service done", append(attrs, "out_bytes", len(out))...)
			return out, nil
		}
	}
}

// Recovery turns a panic in next into an *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (out []byte, err error) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.ErrorContext(ctx, "connectivity: handler panic", "panic", v, "stack", string(debug.Stack()))
				out, err = nil, &ErrPanic{Value: v}
			}()
			return next(ctx, payload)
		}
	}
}

// ErrPanic is returned by Recovery in place of a panic.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
