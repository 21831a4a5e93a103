package connectivity

import (
	"context"
	"log/slog"
)

// WithFallback answers from local when the routed handler fails for a
// reason another attempt could fix. Nil local disables the fallback.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			out, err := next(ctx, payload)
			switch {
			case err == nil:
				return out, nil
			case ctx.Err() != nil, !retryable(err):
				return nil, err
			}
			if logger != nil {
				logger.WarnContext(ctx, "connectivity: remote down, scanning locally",
					"service", service, "error", err)
			}
			return local(ctx, payload)
		}
	}
}
