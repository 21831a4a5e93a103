package connectivity

import (
	"iter"
	"maps"
	"slices"
)

// ServiceInfo is a snapshot of how a service is reached and how its calls
// have gone so far.
type ServiceInfo struct {
	Name     string    `json:"name"`
	Strategy string    `json:"strategy"`
	Endpoint string    `json:"endpoint,omitempty"`
	HasLocal bool      `json:"has_local"`
	Stats    CallStats `json:"stats"`
}

// ListServices yields every routed or locally registered service in name
// order.
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		known := maps.Clone(r.localHandlers)
		for name := range r.routeSnap {
			known[name] = nil
		}
		r.mu.RUnlock()

		for _, name := range slices.Sorted(maps.Keys(known)) {
			if info, ok := r.Inspect(name); ok && !yield(info) {
				return
			}
		}
	}
}

// Inspect describes service, or reports false when the router has never
// heard of it.
func (r *Router) Inspect(service string) (ServiceInfo, bool) {
	r.mu.RLock()
	rt, routed := r.routeSnap[service]
	_, local := r.localHandlers[service]
	r.mu.RUnlock()

	if !routed && !local {
		return ServiceInfo{}, false
	}
	info := ServiceInfo{
		Name:     service,
		Strategy: StrategyLocal,
		HasLocal: local,
		Stats:    r.stats.get(service),
	}
	if routed {
		info.Strategy, info.Endpoint = rt.Strategy, rt.Endpoint
	}
	return info, true
}
