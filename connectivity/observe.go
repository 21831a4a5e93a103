package connectivity

import (
	"sync"
	"time"
)

// CallStats counts the calls dispatched to one service.
type CallStats struct {
	Calls     int64     `json:"calls"`
	Errors    int64     `json:"errors"`
	TotalMs   int64     `json:"total_ms"`
	LastError string    `json:"last_error,omitempty"`
	LastCall  time.Time `json:"last_call"`
}

// Stats aggregates CallStats per service.
type Stats struct {
	mu  sync.Mutex
	per map[string]*CallStats
}

func newStats() *Stats {
	return &Stats{per: make(map[string]*CallStats)}
}

func (s *Stats) record(service string, dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.per[service]
	if !ok {
		cs = &CallStats{}
		s.per[service] = cs
	}
	cs.Calls++
	cs.TotalMs += dur.Milliseconds()
	cs.LastCall = time.Now()
	if err != nil {
		cs.Errors++
		cs.LastError = err.Error()
	}
}

func (s *Stats) get(service string) CallStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.per[service]; ok {
		return *cs
	}
	return CallStats{}
}
