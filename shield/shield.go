// Package shield provides the HTTP middleware in front of the a11yscan API:
// security headers, body limits, request tracing and per-client rate
// limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(limits) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps JSON request bodies on the API.
const DefaultMaxBody int64 = 1 << 20

// DefaultAPIStack is APIStack with DefaultMaxBody.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	return APIStack(DefaultMaxBody, rl)
}

// APIStack returns the middleware stack for the a11yscan HTTP API,
// outermost first: SecurityHeaders, MaxBody, TraceID and, when rl is
// non-nil, rate limiting.
func APIStack(maxBody int64, rl *RateLimiter) []func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
