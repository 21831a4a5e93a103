package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hazyhaar/a11yscan/idgen"
	"github.com/hazyhaar/a11yscan/kit"
)

// TraceHeader carries the trace id on requests and responses.
const TraceHeader = "X-Trace-ID"

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TraceID tags each request with a trace id, reusing a well-formed
// incoming X-Trace-ID and minting one otherwise. The id is echoed in the
// response, stored with kit.WithTraceID, and bound to the request logger
// returned by GetLogger.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if !traceIDPattern.MatchString(id) {
			id = idgen.New()
		}
		w.Header().Set(TraceHeader, id)

		logger := slog.Default().With("trace_id", id, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithRemoteAddr(kit.WithTraceID(r.Context(), id), ExtractIP(r))
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("shield: request", "remote", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the request logger installed by TraceID, or
// slog.Default outside a traced request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
