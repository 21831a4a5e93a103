// Package browser owns the Chrome instance the scanner drives: launch or
// connect, tab creation and lookup, lifecycle events, and recycling of a
// locally launched process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("browser: manager is closed")

// ErrNoBrowser is returned when no Chrome connection is active.
var ErrNoBrowser = errors.New("browser: no active browser")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an already running Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string `yaml:"remote_url"`

	// Headful runs the local Chrome with a window on an Xvfb display.
	Headful     bool   `yaml:"headful"`
	XvfbDisplay string `yaml:"xvfb_display"`

	// Stealth applies go-rod/stealth evasions to tabs opened by the scanner.
	Stealth bool `yaml:"stealth"`

	// ResourceBlocking lists resource types to fail (images, fonts, media).
	// Stylesheets are never worth blocking here: contrast rules need them.
	ResourceBlocking []string `yaml:"resource_blocking"`

	// NavigationTimeout bounds opening a tab on a URL. Default: 30s.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`

	// MemoryLimit in bytes of JS heap before a local Chrome is recycled.
	// Default: 1GB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// RecycleInterval is the maximum lifetime of a local Chrome. Default: 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Hooks lets the owner of the tabs react to browser-level events.
type Hooks struct {
	// TabGone is called when a target is destroyed, including tabs closed
	// from outside the scanner.
	TabGone func(tabID string)
	// BeforeRecycle is called before a local Chrome is killed. Every tab
	// handed out so far is about to disappear.
	BeforeRecycle func()
}

// Manager manages one Chrome connection.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *xvfb
	startAt time.Time
	closed  bool
	hooks   Hooks
	stopEvt context.CancelFunc
}

// NewManager creates a Manager. Call Start to launch or connect.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// SetHooks installs lifecycle hooks. Call before Start.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Start launches Chrome (or connects to RemoteURL) and starts the target
// watcher and, for a local Chrome, the recycle monitor.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	m.startAt = time.Now()
	m.watchTargetsLocked(ctx)

	if m.cfg.RemoteURL == "" {
		go m.monitorLoop(ctx)
	}
	return nil
}

// Browser returns the current rod handle, or nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle restarts a local Chrome. Remote instances are left alone.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.cfg.RemoteURL != "" {
		return nil
	}
	return m.recycleLocked(ctx)
}

// Close shuts down a local Chrome and Xvfb, or drops a remote connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	controlURL := m.cfg.RemoteURL
	if controlURL == "" {
		u, err := m.launchLocal()
		if err != nil {
			return nil, err
		}
		controlURL = u
	} else {
		m.cfg.Logger.Info("browser: attaching to remote chrome", "url", controlURL)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect %s: %w", controlURL, err)
	}
	return b, nil
}

// launchLocal starts Chrome, on Xvfb when headful, and returns its
// DevTools URL.
func (m *Manager) launchLocal() (string, error) {
	l := launcher.New().
		Headless(!m.cfg.Headful).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", "1920,1080")
	if m.cfg.Headful {
		if err := m.startXvfb(); err != nil {
			return "", fmt.Errorf("browser: xvfb: %w", err)
		}
		l = l.Env("DISPLAY=" + m.cfg.XvfbDisplay)
	}

	u, err := l.Launch()
	if err != nil {
		m.stopXvfb()
		return "", fmt.Errorf("browser: launch chrome: %w", err)
	}
	m.lnch = l
	m.cfg.Logger.Info("browser: chrome launched", "url", u, "headful", m.cfg.Headful)
	return u, nil
}

// watchTargetsLocked reports destroyed targets through Hooks.TabGone.
func (m *Manager) watchTargetsLocked(ctx context.Context) {
	if m.stopEvt != nil {
		m.stopEvt()
	}
	evtCtx, cancel := context.WithCancel(ctx)
	m.stopEvt = cancel

	gone := m.hooks.TabGone
	if gone == nil {
		return
	}
	wait := m.browser.Context(evtCtx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		gone(string(e.TargetID))
	})
	go wait()
}

func (m *Manager) recycleLocked(ctx context.Context) error {
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt))

	if m.hooks.BeforeRecycle != nil {
		m.hooks.BeforeRecycle()
	}
	m.cleanup()

	b, err := m.launch()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	m.watchTargetsLocked(ctx)

	log.Info("browser: recycled")
	return nil
}

func (m *Manager) cleanup() {
	if m.stopEvt != nil {
		m.stopEvt()
		m.stopEvt = nil
	}
	if m.browser != nil && m.cfg.RemoteURL == "" {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
	}
	m.browser = nil
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

// monitorLoop recycles a local Chrome that outlived RecycleInterval or
// whose pages hold more than MemoryLimit of JS heap.
func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b, startAt, live := m.browser, m.startAt, !m.closed && m.browser != nil
		m.mu.RUnlock()
		if !live {
			return
		}

		reason := m.recycleReason(b, startAt)
		if reason == "" {
			continue
		}
		m.cfg.Logger.Info("browser: recycling chrome", "reason", reason)
		if err := m.Recycle(ctx); err != nil {
			m.cfg.Logger.Error("browser: recycle failed", "error", err)
		}
	}
}

func (m *Manager) recycleReason(b *rod.Browser, startAt time.Time) string {
	if age := time.Since(startAt); age > m.cfg.RecycleInterval {
		return "uptime " + age.Round(time.Minute).String()
	}
	used, err := jsHeapUsage(b)
	if err != nil {
		m.cfg.Logger.Debug("browser: heap check failed", "error", err)
		return ""
	}
	if used > m.cfg.MemoryLimit {
		return fmt.Sprintf("js heap %d bytes over %d", used, m.cfg.MemoryLimit)
	}
	return ""
}

// jsHeapUsage sums the JS heap of every open page.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => (performance.memory ? performance.memory.usedJSHeapSize : 0)`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
