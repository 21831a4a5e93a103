package connectivity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RoutesFile is the document read by LoadRoutes:
//
//	routes:
//	  - service: RUN_SCAN
//	    strategy: http
//	    endpoint: https://scanner.internal/rpc/RUN_SCAN
//	    timeout_ms: 60000
//	    max_retries: 1
type RoutesFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes reads and decodes a routes file.
func LoadRoutes(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connectivity: read routes: %w", err)
	}
	var f RoutesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("connectivity: decode routes: %w", err)
	}
	return f.Routes, nil
}

// WatchFile applies the routes in path and re-applies them whenever the
// file content changes. Changes are picked up from fsnotify events on the
// file's directory, so editors that replace the file are seen, and from a
// poll every interval as a fallback for filesystems without events. A
// missing or invalid file leaves the current routes in place.
//
// WatchFile blocks until ctx is cancelled:
//
//	go router.WatchFile(ctx, "routes.yaml", 30*time.Second)
func (r *Router) WatchFile(ctx context.Context, path string, interval time.Duration) {
	var applied [sha256.Size]byte
	reload := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("connectivity: routes file unavailable", "path", path, "error", err)
			return
		}
		sum := sha256.Sum256(data)
		if sum == applied {
			return
		}
		var f RoutesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			r.logger.Error("connectivity: routes reload failed", "path", path, "error", err)
			return
		}
		applied = sum
		if err := r.Apply(f.Routes); err != nil {
			r.logger.Warn("connectivity: some routes not applied", "error", err)
		}
		r.logger.Info("connectivity: routes reloaded", "path", path, "routes", len(f.Routes))
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		r.logger.Warn("connectivity: fsnotify unavailable, polling only", "error", err)
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err != nil {
			r.logger.Warn("connectivity: cannot watch routes dir, polling only", "path", path, "error", err)
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	reload()
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Warn("connectivity: routes watch", "error", err)
		case <-tick:
			reload()
		}
	}
}
