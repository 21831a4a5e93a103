package shield

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig allows MaxRequests per WindowSeconds for one endpoint,
// refilled continuously, with a burst of MaxRequests.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (c RateLimitConfig) limit() rate.Limit {
	return rate.Limit(float64(c.MaxRequests) / float64(c.WindowSeconds))
}


// RateLimiter limits each client IP per endpoint. Rules are keyed
// "METHOD /path", e.g. "POST /api/scans"; endpoints without a rule are
// not limited.
type RateLimiter struct {
	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	clients map[string]*rate.Limiter
	now     func() time.Time
}

// NewRateLimiter returns a limiter enforcing rules.
func NewRateLimiter(rules map[string]RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{clients: make(map[string]*rate.Limiter), now: time.Now}
	rl.SetRules(rules)
	return rl
}

// SetRules swaps the rule set and resets every client's budget.
func (rl *RateLimiter) SetRules(rules map[string]RateLimitConfig) {
	valid := make(map[string]RateLimitConfig, len(rules))
	for k, v := range rules {
		if v.MaxRequests > 0 && v.WindowSeconds > 0 {
			valid[k] = v
		}
	}
	rl.mu.Lock()
	rl.rules = valid
	clear(rl.clients)
	rl.mu.Unlock()
}

// StartGC forgets idle clients every interval until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				rl.gc()
			}
		}
	}()
}

// gc drops clients whose bucket has refilled, which is the state a new
// client starts in anyway.
func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, lim := range rl.clients {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(rl.clients, k)
		}
	}
}

// allow spends one token for ip on endpoint. When refused it returns how
// long until a token is available.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, ok := rl.rules[endpoint]
	if !ok {
		return true, 0
	}
	key := endpoint + "|" + ip
	lim := rl.clients[key]
	if lim == nil {
		lim = rate.NewLimiter(cfg.limit(), cfg.MaxRequests)
		rl.clients[key] = lim
	}
	if lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - lim.TokensAt(now)
	return false, time.Duration(missing / float64(lim.Limit()) * float64(time.Second))
}

// Middleware answers 429 with Retry-After once a client is over its
// budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, wait := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip, "endpoint", endpoint, "retry_after", wait)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
	})
}

// ExtractIP returns the first X-Forwarded-For hop, or the host part of
// RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

