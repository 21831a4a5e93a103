// Package scanner runs accessibility scans on browser tabs and keeps the
// latest report per page.
//
// A scan resolves a tab, waits for its DOM to settle, runs the rule engine,
// normalizes the result and, only when every step succeeded, stores the
// report under the tab id and the URL scanned. Tabs are tracked so that a
// navigation or a close drops their stored reports.
//
// The same operations are exposed as connectivity services (RegisterServices),
// MCP tools (RegisterMCP) and an HTTP API (NewHTTPHandler).
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/a11yscan/export"
	"github.com/hazyhaar/a11yscan/horosafe"
	"github.com/hazyhaar/a11yscan/policy"
	"github.com/hazyhaar/a11yscan/report"
	"github.com/hazyhaar/a11yscan/resultstore"
	"github.com/hazyhaar/a11yscan/scanner/internal/browser"
	"github.com/hazyhaar/a11yscan/scanner/internal/engine"
	"github.com/hazyhaar/a11yscan/scanner/internal/settle"
)

var (
	// ErrReportNotFound is returned when no report is stored for a key.
	ErrReportNotFound = errors.New("scanner: report not found")
	// ErrUnknownFormat is returned by Export for an unsupported format.
	ErrUnknownFormat = errors.New("scanner: unknown export format")
	// ErrTabNotFound is returned for operations on an untracked tab.
	ErrTabNotFound = errors.New("scanner: tab not found")
	// ErrBadRequest wraps malformed service payloads.
	ErrBadRequest = errors.New("scanner: bad request")
)

// Request asks for one scan. TabID selects an existing tab; URL alone opens
// a new one; both navigate the tab to URL first when it shows another page.
type Request struct {
	TabID  string     `json:"tab_id,omitempty"`
	URL    string     `json:"url,omitempty"`
	Config ScanConfig `json:"config"`
}

// Result is a successful scan.
type Result struct {
	Key    resultstore.Key `json:"key"`
	Report *report.Report  `json:"report"`
	// Stored is false when the tab navigated or closed during the scan;
	// the report is then returned but not kept.
	Stored bool `json:"stored"`
}

// page is a browser tab as the scanner uses it.
type page interface {
	engine.Evaluator
	settle.Observable
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	WatchNavigation(ctx context.Context, fn func(url string))
	Close() error
}

// pageSource opens and finds tabs.
type pageSource interface {
	OpenTab(ctx context.Context, url string) (id string, p page, err error)
	AttachTab(ctx context.Context, id string) (page, error)
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
}

// Options configures New.
type Options struct {
	Config *Config
	// Browser enables Chrome, configured by Config.Browser. Without it
	// every scan fails with PageUnavailable; stored reports remain
	// readable and exportable.
	Browser bool
	// Store receives reports. Nil means a fresh resultstore.Memory.
	Store  resultstore.Store
	Logger *slog.Logger
}

// Scanner orchestrates scans. Safe for concurrent use; scans on different
// tabs run in parallel, a second scan on a busy tab is rejected.
type Scanner struct {
	cfg     Config
	browser *browser.Manager
	src     pageSource
	store   resultstore.Store
	invoker *engine.Invoker
	policy  *policy.Loader
	urls    horosafe.URLPolicy
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	tabs map[string]*tab
}

type tab struct {
	id    string
	page  page
	owned bool
	busy  atomic.Bool
	// gen counts navigations; guarded by Scanner.mu.
	gen       uint64
	stopWatch context.CancelFunc
}

// New creates a Scanner. It reads the engine bundle named in the config
// but does not start the browser; call Start for that.
func New(opts Options) (*Scanner, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	script, err := cfg.Engine.loadScript()
	if err != nil {
		return nil, err
	}

	var (
		src pageSource
		bm  *browser.Manager
	)
	if opts.Browser {
		bcfg := cfg.Browser
		if bcfg.Logger == nil {
			bcfg.Logger = logger
		}
		bm = browser.NewManager(bcfg)
		src = managerSource{m: bm}
	}
	s := newScanner(*cfg, src, opts.Store, logger, script)
	// Policy files are read once, at startup.
	s.policy.Policy()
	s.browser = bm
	if s.browser != nil {
		s.browser.SetHooks(browser.Hooks{
			TabGone:       s.forgetTab,
			BeforeRecycle: s.forgetAll,
		})
	}
	return s, nil
}

func newScanner(cfg Config, src pageSource, store resultstore.Store, logger *slog.Logger, script string) *Scanner {
	if store == nil {
		store = resultstore.NewMemory()
	}
	return &Scanner{
		cfg:   cfg,
		src:   src,
		store: store,
		invoker: engine.New(engine.Config{
			Completion:   cfg.Engine.Completion,
			PollAttempts: cfg.Engine.PollAttempts,
			PollInterval: cfg.Engine.PollInterval,
			Script:       script,
			Logger:       logger,
		}),
		policy: policy.NewLoader(cfg.PolicyFile, logger),
		urls:   horosafe.URLPolicy{AllowPrivate: cfg.AllowPrivate},
		logger: logger,
		now:    time.Now,
		tabs:   make(map[string]*tab),
	}
}

// Start launches or connects the browser, if one was given.
func (s *Scanner) Start(ctx context.Context) error {
	if s.browser == nil {
		return nil
	}
	return s.browser.Start(ctx)
}

// Close closes the tabs the scanner opened and the browser.
func (s *Scanner) Close() error {
	s.mu.Lock()
	tabs := make([]*tab, 0, len(s.tabs))
	for id, t := range s.tabs {
		tabs = append(tabs, t)
		delete(s.tabs, id)
	}
	s.mu.Unlock()

	for _, t := range tabs {
		t.stopWatch()
		if t.owned {
			if err := t.page.Close(); err != nil {
				s.logger.Debug("scanner: close tab", "tab", t.id, "error", err)
			}
		}
	}
	if s.browser != nil {
		return s.browser.Close()
	}
	return nil
}

// Store returns the result store.
func (s *Scanner) Store() resultstore.Store {
	return s.store
}

// Policy returns the default-tag policy in use.
func (s *Scanner) Policy() *policy.Policy {
	return s.policy.Policy()
}

// Tabs returns the ids of tracked tabs.
func (s *Scanner) Tabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		ids = append(ids, id)
	}
	return ids
}

// Scan runs one scan. Every failure is a *ScanError.
func (s *Scanner) Scan(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	cfg := req.Config.merge(s.cfg.Scan)

	t, opened, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	target := req.URL
	if opened {
		// Scan wherever the new tab landed after redirects.
		target = ""
	}
	if !t.busy.CompareAndSwap(false, true) {
		return nil, newError(KindScanAlreadyInProgress, "tab "+t.id, nil)
	}
	defer t.busy.Store(false)

	res, err := s.scan(ctx, t, target, cfg)
	if err != nil {
		se := classify(err)
		s.logger.Warn("scanner: scan failed",
			"tab", t.id, "kind", se.Kind, "error", err, "duration", s.now().Sub(start))
		return nil, se
	}
	s.logger.Info("scanner: scan done",
		"tab", t.id, "url", res.Key.URL,
		"violations", res.Report.Statistics.IssuesFound,
		"stored", res.Stored, "duration", s.now().Sub(start))
	return res, nil
}

func (s *Scanner) scan(ctx context.Context, t *tab, target string, cfg ScanConfig) (*Result, error) {
	if target != "" {
		if err := s.ensureURL(ctx, t, target); err != nil {
			return nil, err
		}
	}
	// A navigation after gen is taken keeps the report out of the store.
	// The URL is read after settling: it names the document scanned.
	gen := s.generation(t.id)
	settled := settle.Wait(ctx, t.page, settle.Options{
		Quiet:  cfg.Quiet(),
		Max:    cfg.MaxWait(),
		Logger: s.logger,
	})
	if settled.Cancelled {
		return nil, ctx.Err()
	}
	pageURL, err := t.page.URL(ctx)
	if err != nil {
		return nil, newError(KindPageUnavailable, err.Error(), err)
	}

	plan, err := s.invoker.Prepare(ctx, t.page, engine.Request{
		Tags:        cfg.Tags,
		DefaultTags: s.policy.Tags(),
		Rules:       cfg.Rules,
		Iframes:     cfg.IncludeIframes(),
	})
	if err != nil {
		return nil, err
	}
	raw, err := s.invoker.Run(ctx, t.page, plan)
	if err != nil {
		return nil, err
	}

	impacts, diags := cleanImpacts(cfg.Impacts)
	diags = append(plan.Diagnostics, diags...)
	if settled.TimedOut {
		diags = append(diags, fmt.Sprintf("page was still changing after %s; scanned anyway", cfg.MaxWait()))
	}

	rep := report.Normalize(raw, report.Context{
		RequestedTags: plan.Tags,
		Impacts:       impacts,
		PageURL:       pageURL,
		CapturedAt:    s.now(),
		Diagnostics:   diags,
	})
	key := resultstore.Key{TabID: t.id, URL: pageURL}
	return &Result{Key: key, Report: rep, Stored: s.commit(t.id, gen, key, rep)}, nil
}

// ensureURL navigates t to target unless it already shows it.
func (s *Scanner) ensureURL(ctx context.Context, t *tab, target string) error {
	cur, err := t.page.URL(ctx)
	if err == nil && cur == target {
		return nil
	}
	if err := s.urls.Validate(target); err != nil {
		return newError(KindPageUnavailable, err.Error(), err)
	}
	if err := t.page.Navigate(ctx, target); err != nil {
		return newError(KindPageUnavailable, err.Error(), err)
	}
	s.invalidate(t.id)
	return nil
}

// commit stores rep unless the tab navigated or went away since gen.
func (s *Scanner) commit(tabID string, gen uint64, key resultstore.Key, rep *report.Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[tabID]
	if !ok || t.gen != gen {
		s.logger.Info("scanner: tab changed during scan, report not stored", "tab", tabID)
		return false
	}
	if err := s.store.Put(key, rep); err != nil {
		s.logger.Error("scanner: store report", "key", key.String(), "error", err)
		return false
	}
	return true
}

func (s *Scanner) generation(tabID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[tabID]; ok {
		return t.gen
	}
	return 0
}

// resolve finds or opens the tab a request targets. opened reports
// whether the tab was created for req.URL.
func (s *Scanner) resolve(ctx context.Context, req Request) (t *tab, opened bool, err error) {
	switch {
	case req.TabID != "":
		if err := horosafe.ValidateTabID(req.TabID); err != nil {
			return nil, false, newError(KindPageUnavailable, err.Error(), err)
		}
		s.mu.Lock()
		t, ok := s.tabs[req.TabID]
		s.mu.Unlock()
		if ok {
			return t, false, nil
		}
		if s.src == nil {
			return nil, false, newError(KindPageUnavailable, "no browser", nil)
		}
		p, err := s.src.AttachTab(ctx, req.TabID)
		if err != nil {
			return nil, false, newError(KindPageUnavailable, err.Error(), err)
		}
		return s.track(req.TabID, p, false), false, nil

	case req.URL != "":
		if err := s.urls.Validate(req.URL); err != nil {
			return nil, false, newError(KindPageUnavailable, err.Error(), err)
		}
		if s.src == nil {
			return nil, false, newError(KindPageUnavailable, "no browser", nil)
		}
		id, p, err := s.src.OpenTab(ctx, req.URL)
		if err != nil {
			return nil, false, newError(KindPageUnavailable, err.Error(), err)
		}
		return s.track(id, p, true), true, nil
	}
	return nil, false, newError(KindPageUnavailable, "request names neither a tab nor a url", nil)
}

// track registers a tab and starts watching its navigations. A tab that
// is already tracked is returned as is.
func (s *Scanner) track(id string, p page, owned bool) *tab {
	s.mu.Lock()
	if t, ok := s.tabs[id]; ok {
		s.mu.Unlock()
		return t
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	t := &tab{id: id, page: p, owned: owned, stopWatch: cancel}
	s.tabs[id] = t
	s.mu.Unlock()

	go p.WatchNavigation(watchCtx, func(url string) {
		n := s.invalidate(id)
		s.logger.Debug("scanner: tab navigated", "tab", id, "url", url, "dropped", n)
	})
	return t
}

// invalidate drops the stored reports of a tab and bumps its navigation
// generation so that a scan already running on it does not store.
func (s *Scanner) invalidate(tabID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[tabID]; ok {
		t.gen++
	}
	return resultstore.InvalidateTab(s.store, tabID)
}

// InvalidateTab drops the stored reports of a tab.
func (s *Scanner) InvalidateTab(tabID string) int {
	return s.invalidate(tabID)
}

// forgetTab untracks a tab that no longer exists.
func (s *Scanner) forgetTab(tabID string) {
	s.mu.Lock()
	t, ok := s.tabs[tabID]
	delete(s.tabs, tabID)
	n := resultstore.InvalidateTab(s.store, tabID)
	s.mu.Unlock()

	if ok {
		t.stopWatch()
		s.logger.Debug("scanner: tab gone", "tab", tabID, "dropped", n)
	}
}

func (s *Scanner) forgetAll() {
	for _, id := range s.Tabs() {
		s.forgetTab(id)
	}
}

// NavigateTab loads url in a tracked or attachable tab.
func (s *Scanner) NavigateTab(ctx context.Context, tabID, url string) error {
	t, _, err := s.resolve(ctx, Request{TabID: tabID})
	if err != nil {
		return err
	}
	if !t.busy.CompareAndSwap(false, true) {
		return newError(KindScanAlreadyInProgress, "tab "+t.id, nil)
	}
	defer t.busy.Store(false)

	if err := s.urls.Validate(url); err != nil {
		return newError(KindPageUnavailable, err.Error(), err)
	}
	if err := t.page.Navigate(ctx, url); err != nil {
		return newError(KindPageUnavailable, err.Error(), err)
	}
	s.invalidate(tabID)
	return nil
}

// CloseTab closes a tracked tab and drops its reports.
func (s *Scanner) CloseTab(tabID string) error {
	s.mu.Lock()
	t, ok := s.tabs[tabID]
	s.mu.Unlock()
	if !ok {
		return ErrTabNotFound
	}
	s.forgetTab(tabID)
	return t.page.Close()
}

// GetReport returns the stored report for key.
func (s *Scanner) GetReport(key resultstore.Key) (*report.Report, bool) {
	return s.store.Get(key)
}

// SaveReport stores r under key, replacing any previous report.
func (s *Scanner) SaveReport(key resultstore.Key, r *report.Report) error {
	if err := horosafe.ValidateTabID(key.TabID); err != nil {
		return err
	}
	return s.store.Put(key, r)
}

// Export formats.
const (
	FormatJSON     = "json"
	FormatHTML     = "html"
	FormatSARIF    = "sarif"
	FormatMarkdown = "md"
	FormatPDF      = "pdf"
)

// Formats lists the accepted export formats.
var Formats = []string{FormatJSON, FormatHTML, FormatSARIF, FormatMarkdown, FormatPDF}

// Export renders the stored report for key. It returns the content type
// and the document.
func (s *Scanner) Export(ctx context.Context, key resultstore.Key, format string) (string, []byte, error) {
	r, ok := s.store.Get(key)
	if !ok {
		return "", nil, ErrReportNotFound
	}
	return s.ExportReport(ctx, r, format)
}

// ExportReport renders r in format.
func (s *Scanner) ExportReport(ctx context.Context, r *report.Report, format string) (string, []byte, error) {
	var (
		data []byte
		err  error
		ct   string
	)
	switch format {
	case FormatJSON, "":
		ct = "application/json"
		data, err = export.JSON(r, export.NewMeta())
	case FormatHTML:
		ct = "text/html; charset=utf-8"
		data, err = export.HTML(r)
	case FormatSARIF:
		ct = "application/sarif+json"
		data, err = export.SARIF(r)
	case FormatMarkdown, "markdown":
		ct = "text/markdown; charset=utf-8"
		data, err = export.Markdown(r)
	case FormatPDF:
		ct = "application/pdf"
		data, err = s.ExportPDF(ctx, r)
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return "", nil, err
	}
	return ct, data, nil
}

// ExportPDF prints the HTML rendering of r with the browser and checks the
// resulting document.
func (s *Scanner) ExportPDF(ctx context.Context, r *report.Report) ([]byte, error) {
	if s.src == nil {
		return nil, fmt.Errorf("scanner: pdf export needs a browser")
	}
	doc, err := export.HTML(r)
	if err != nil {
		return nil, err
	}
	pdf, err := s.src.RenderPDF(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("scanner: render pdf: %w", err)
	}
	pages, err := export.CheckPDF(pdf)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("scanner: pdf exported", "pages", pages, "bytes", len(pdf))
	return pdf, nil
}

// cleanImpacts drops unknown impact levels with a diagnostic.
func cleanImpacts(in []string) ([]string, []string) {
	var out, diags []string
	for _, i := range in {
		if report.IsImpact(i) {
			out = append(out, i)
			continue
		}
		diags = append(diags, fmt.Sprintf("impact %q is not a known level and was ignored", i))
	}
	return out, diags
}

// managerSource adapts *browser.Manager to pageSource.
type managerSource struct {
	m *browser.Manager
}

func (ms managerSource) OpenTab(ctx context.Context, url string) (string, page, error) {
	t, err := ms.m.OpenTab(ctx, url)
	if err != nil {
		return "", nil, err
	}
	return t.ID, t, nil
}

func (ms managerSource) AttachTab(ctx context.Context, id string) (page, error) {
	t, err := ms.m.AttachTab(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (ms managerSource) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	return ms.m.RenderPDF(ctx, html)
}

// decodeReport reads a report payload and recomputes its statistics.
func decodeReport(data json.RawMessage) (*report.Report, error) {
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r.WithStatistics(), nil
}
