// Package resultstore keeps the last report per page. Entries are keyed by
// tab identity plus page URL so a report captured on a previous document
// is never served after the tab navigates.
//
// The store does not watch tabs itself: whoever owns the tabs calls
// InvalidateTab when one starts navigating or closes.
package resultstore

import (
	"errors"
	"strings"
	"sync"

	"github.com/hazyhaar/a11yscan/report"
)

// ErrInvalidKey is returned by Put when the key has no tab id.
var ErrInvalidKey = errors.New("resultstore: key requires a tab id")

// ErrNilReport is returned by Put for a nil report.
var ErrNilReport = errors.New("resultstore: nil report")

// keySep separates the tab id from the URL in the flat key form.
const keySep = "|"

// Key identifies a stored report.
type Key struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url"`
}

// String returns the flat "tab|url" form used for prefix invalidation.
func (k Key) String() string {
	return k.TabID + keySep + k.URL
}

// TabPrefix returns the prefix matching every key of a tab.
func TabPrefix(tabID string) string {
	return tabID + keySep
}

// Store is the result store contract. Implementations must write whole
// reports atomically.
type Store interface {
	Put(key Key, r *report.Report) error
	Get(key Key) (*report.Report, bool)
	Invalidate(prefix string) int
}

// InvalidateTab drops every report stored for tabID.
func InvalidateTab(s Store, tabID string) int {
	return s.Invalidate(TabPrefix(tabID))
}

// Memory is a process-lifetime, mutex-guarded Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*report.Report
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*report.Report)}
}

// Put stores a copy of r with statistics recomputed from its sequences, so
// a stored report can never carry a stale statistics block.
func (m *Memory) Put(key Key, r *report.Report) error {
	if key.TabID == "" {
		return ErrInvalidKey
	}
	if r == nil {
		return ErrNilReport
	}
	stored := r.WithStatistics()

	m.mu.Lock()
	m.entries[key.String()] = stored
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the report stored under key.
func (m *Memory) Get(key Key) (*report.Report, bool) {
	m.mu.RLock()
	r, ok := m.entries[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Invalidate removes every entry whose flat key starts with prefix and
// returns how many were removed. An empty prefix clears the store.
func (m *Memory) Invalidate(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored reports.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
