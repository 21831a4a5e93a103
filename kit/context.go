package kit

import "context"

// Transport names recorded with WithTransport.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
)

type ctxKey uint8

const (
	transportKey ctxKey = iota
	requestIDKey
	traceIDKey
	remoteAddrKey
)

func withString(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func stringValue(ctx context.Context, k ctxKey) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// WithTransport records which surface a call arrived on.
func WithTransport(ctx context.Context, t string) context.Context {
	return withString(ctx, transportKey, t)
}

// GetTransport returns the recorded transport, TransportHTTP when unset.
func GetTransport(ctx context.Context) string {
	if t := stringValue(ctx, transportKey); t != "" {
		return t
	}
	return TransportHTTP
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string { return stringValue(ctx, requestIDKey) }

// WithTraceID stores the id propagated as X-Trace-ID across routers.
func WithTraceID(ctx context.Context, id string) context.Context {
	return withString(ctx, traceIDKey, id)
}

func GetTraceID(ctx context.Context) string { return stringValue(ctx, traceIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return withString(ctx, remoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string { return stringValue(ctx, remoteAddrKey) }
