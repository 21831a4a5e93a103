package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// WithTimeout bounds every call to d. d <= 0 leaves calls unbounded.
func WithTimeout(d time.Duration) HandlerMiddleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// maxBackoff caps the doubling delay between attempts.
const maxBackoff = 10 * time.Second

// WithRetry calls next up to maxRetries more times after a failure,
// doubling the delay from base each time. Cancellation, an open circuit
// and a request the remote rejected end the loop at once.
func WithRetry(maxRetries int, base time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			delay := base
			for attempt := 1; ; attempt++ {
				out, err := next(ctx, payload)
				if err == nil {
					return out, nil
				}
				if attempt > maxRetries || ctx.Err() != nil || !retryable(err) {
					return nil, err
				}
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retry",
						"attempt", attempt, "of", maxRetries, "delay", delay, "error", err)
				}
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, err
				case <-t.C:
				}
				delay = min(delay*2, maxBackoff)
			}
		}
	}
}
