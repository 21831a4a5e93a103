// Package connectivity routes a11yscan's message protocol between
// components. Every service is a Handler (bytes in, bytes out) that is
// either registered in-process or reached through a transport declared in
// the routes file.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	s.RegisterServices(router) // RUN_SCAN, GET_STORED_REPORT, ...
//	go router.WatchFile(ctx, "routes.yaml", 30*time.Second)
//
//	resp, err := router.Call(ctx, "RUN_SCAN", payload)
//
// Editing the routes file moves a service between in-process and remote
// dispatch without a restart.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
// Both local Go functions and remote clients implement this signature.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory creates a Handler for a declared route. The returned
// close function is called when the route is removed or replaced; it may
// be nil.
type TransportFactory func(rt Route) (handler Handler, close func(), err error)

// Strategies understood by the router itself. Any other strategy names a
// registered TransportFactory.
const (
	StrategyLocal = "local"
	StrategyNoop  = "noop"
)

// Route declares how one service is dispatched.
type Route struct {
	Service  string `yaml:"service" json:"service"`
	Strategy string `yaml:"strategy" json:"strategy"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Remote call policy. Zero values disable the feature.
	TimeoutMs        int64  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxRetries       int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BackoffMs        int64  `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
	BreakerThreshold int    `yaml:"breaker_threshold,omitempty" json:"breaker_threshold,omitempty"`
	FallbackLocal    bool   `yaml:"fallback_local,omitempty" json:"fallback_local,omitempty"`
	AllowPrivate     bool   `yaml:"allow_private,omitempty" json:"allow_private,omitempty"`
	ToolName         string `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	ContentType      string `yaml:"content_type,omitempty" json:"content_type,omitempty"`
}

// fingerprint returns a string that changes when the route config changes.
func (rt Route) fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%t|%t|%s|%s",
		rt.Strategy, rt.Endpoint, rt.TimeoutMs, rt.MaxRetries, rt.BackoffMs,
		rt.BreakerThreshold, rt.FallbackLocal, rt.AllowPrivate, rt.ToolName, rt.ContentType)
}

// remoteEntry holds a handler and its optional cleanup function.
type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls according to the declared routes.
// Safe for concurrent use: reads take RLock, Apply takes the full Lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]Route
	factories     map[string]TransportFactory
	stats         *Stats
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with no routes. Every registered local handler is
// reachable until a route says otherwise.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]Route),
		factories:     make(map[string]TransportFactory),
		stats:         newStats(),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a transport strategy such as
// "http" or "mcp".
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// Call dispatches a service call. The resolution order is:
//  1. Noop route: succeeds with an empty response.
//  2. Remote route: the transport handler built by Apply.
//  3. Local handler.
//  4. ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	start := time.Now()
	var (
		resp []byte
		err  error
	)
	switch {
	case hasRoute && snap.Strategy == StrategyNoop:
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	case hasRemote:
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", snap.Strategy, "endpoint", snap.Endpoint)
		resp, err = entry.handler(ctx, payload)
	case localH != nil:
		r.logger.DebugContext(ctx, "routing local", "service", service)
		resp, err = localH(ctx, payload)
	default:
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.stats.record(service, time.Since(start), err)
	return resp, err
}

// Apply replaces the declared routes and rebuilds remote handlers. Routes
// with strategy "local" or "noop" do not create remote handlers. Only
// routes whose settings changed are rebuilt; unchanged routes keep their
// connections. Routes that fail to build are skipped and reported in the
// returned error, the others are still applied.
func (r *Router) Apply(routes []Route) error {
	newRoutes := make(map[string]Route, len(routes))
	for _, rt := range routes {
		rt.Service = strings.TrimSpace(rt.Service)
		if rt.Service == "" {
			continue
		}
		if rt.Strategy == "" {
			rt.Strategy = StrategyLocal
		}
		newRoutes[rt.Service] = rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		if rt.Strategy == StrategyLocal || rt.Strategy == StrategyNoop {
			continue
		}

		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, exists := r.remoteEntries[name]; exists {
				newEntries[name] = existing
				continue
			}
		}

		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("no transport factory for strategy",
				"service", name, "strategy", rt.Strategy)
			errs = append(errs, &ErrNoFactory{Service: name, Strategy: rt.Strategy})
			continue
		}

		h, closeFn, err := factory(rt)
		if err != nil {
			r.logger.Error("factory failed",
				"service", name, "strategy", rt.Strategy,
				"endpoint", rt.Endpoint, "error", err)
			errs = append(errs, &ErrFactoryFailed{
				Service: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err,
			})
			continue
		}
		newEntries[name] = remoteEntry{handler: r.withPolicy(rt, h), close: closeFn}
		r.logger.Info("route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, stillExists := newEntries[name]; !stillExists {
			old.close()
			continue
		}
		if r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes

	r.logger.Info("routes applied",
		"total", len(newRoutes),
		"remote", len(newEntries),
		"local", countLocal(newRoutes))

	return joinErrors(errs)
}

// withPolicy wraps a remote handler with the route's timeout, retry,
// circuit breaker and local fallback settings. Must be called with mu held.
func (r *Router) withPolicy(rt Route, h Handler) Handler {
	var mws []HandlerMiddleware
	if rt.FallbackLocal {
		mws = append(mws, WithFallback(r.localHandlers[rt.Service], rt.Service, r.logger))
	}
	if rt.MaxRetries > 0 {
		backoff := time.Duration(rt.BackoffMs) * time.Millisecond
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		mws = append(mws, WithRetry(rt.MaxRetries, backoff, r.logger))
	}
	if rt.BreakerThreshold > 0 {
		cb := NewCircuitBreaker(BreakerConfig{Threshold: rt.BreakerThreshold})
		mws = append(mws, WithCircuitBreaker(cb, rt.Service))
	}
	if rt.TimeoutMs > 0 {
		mws = append(mws, WithTimeout(time.Duration(rt.TimeoutMs)*time.Millisecond))
	}
	mws = append(mws, Recovery(r.logger))
	return Chain(mws...)(h)
}

// Routes returns the declared routes sorted by service name.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routeSnap))
	for _, rt := range r.routeSnap {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]Route)
	return nil
}

func countLocal(routes map[string]Route) int {
	n := 0
	for _, rt := range routes {
		if rt.Strategy == StrategyLocal {
			n++
		}
	}
	return n
}
