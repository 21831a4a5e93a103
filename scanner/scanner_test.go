package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/a11yscan/report"
	"github.com/hazyhaar/a11yscan/resultstore"
	"github.com/hazyhaar/a11yscan/scanner/internal/engine"
)

const rawResult = `{
	"url": "https://example.com/",
	"timestamp": "2026-03-01T10:00:00.000Z",
	"testEngine": {"name": "axe-core", "version": "4.10.2"},
	"violations": [
		{"id": "image-alt", "impact": "critical", "help": "Images must have alternate text", "tags": ["wcag2a", "wcag111"], "nodes": [{"html": "<img>", "target": ["img"]}]},
		{"id": "region", "impact": "moderate", "help": "Landmarks", "tags": ["best-practice"], "nodes": [{"html": "<div>", "target": ["div"]}]}
	],
	"passes": [{"id": "document-title", "impact": null, "tags": ["wcag2a"], "nodes": []}],
	"incomplete": [],
	"inapplicable": [{"id": "audio-caption", "tags": ["wcag2a"], "nodes": []}]
}`

var engineTags = []string{"wcag2a", "wcag2aa", "wcag21a", "wcag21aa", "wcag22aa", "best-practice"}

// fakePage is a tab with axe-core loaded. Scripts are told apart by what
// they reference.
type fakePage struct {
	mu        sync.Mutex
	url       string
	noEngine  bool
	navErr    error
	closed    bool
	navigated []string
	lastOpts  json.RawMessage

	// run replaces the engine run; nil returns rawResult.
	run func(ctx context.Context) (json.RawMessage, error)
	// poll answers poll-mode reads; nil returns a finished state.
	poll func() json.RawMessage
	// observe runs once, when the scanner next watches for mutations.
	observe func()

	watchOnce sync.Once
	watching  chan struct{}
	onNav     func(string)
}

func newFakePage(url string) *fakePage {
	return &fakePage{url: url, watching: make(chan struct{})}
}

func (f *fakePage) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	noEngine, run, poll := f.noEngine, f.run, f.poll
	if len(args) > 0 {
		f.lastOpts, _ = json.Marshal(args[0])
	}
	f.mu.Unlock()

	switch {
	case strings.Contains(js, "axe.version"):
		if noEngine {
			return json.RawMessage(`""`), nil
		}
		return json.RawMessage(`"4.10.2"`), nil
	case strings.Contains(js, "getRules"):
		return json.Marshal(engineTags)
	case strings.Contains(js, "const state = {"):
		return json.RawMessage(`true`), nil
	case strings.Contains(js, "state.done"):
		if poll != nil {
			return poll(), nil
		}
		return json.RawMessage(`{"error": null, "result": ` + rawResult + `}`), nil
	case strings.Contains(js, "delete window.__a11yscan"):
		return json.RawMessage(`true`), nil
	case strings.Contains(js, "axe.run"):
		if run != nil {
			return run(ctx)
		}
		return json.RawMessage(rawResult), nil
	}
	return nil, fmt.Errorf("unexpected script: %s", js)
}

func (f *fakePage) AddScript(context.Context, string) error {
	return nil
}

func (f *fakePage) ObserveMutations(context.Context) (<-chan struct{}, func(), error) {
	f.mu.Lock()
	observe := f.observe
	f.observe = nil
	f.mu.Unlock()
	if observe != nil {
		observe()
	}
	return nil, func() {}, nil
}

func (f *fakePage) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errors.New("target closed")
	}
	return f.url, nil
}

func (f *fakePage) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	f.url = url
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakePage) WatchNavigation(ctx context.Context, fn func(string)) {
	f.mu.Lock()
	f.onNav = fn
	f.mu.Unlock()
	f.watchOnce.Do(func() { close(f.watching) })
	<-ctx.Done()
}

// userNavigates simulates a navigation the scanner did not start.
func (f *fakePage) userNavigates(t *testing.T, url string) {
	t.Helper()
	select {
	case <-f.watching:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation watcher never started")
	}
	f.mu.Lock()
	f.url = url
	fn := f.onNav
	f.mu.Unlock()
	fn(url)
}

func (f *fakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePage) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSource struct {
	mu     sync.Mutex
	pages  map[string]*fakePage
	opened int
	pdf    []byte
	// redirect maps a URL to where a newly opened tab ends up.
	redirect map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: map[string]*fakePage{}}
}

func (s *fakeSource) add(id, url string) *fakePage {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakePage(url)
	s.pages[id] = p
	return p
}

func (s *fakeSource) OpenTab(_ context.Context, url string) (string, page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	id := fmt.Sprintf("T%d", s.opened)
	if final, ok := s.redirect[url]; ok {
		url = final
	}
	p := newFakePage(url)
	s.pages[id] = p
	return id, p, nil
}

func (s *fakeSource) AttachTab(_ context.Context, id string) (page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, errors.New("no target with given id")
	}
	return p, nil
}

func (s *fakeSource) RenderPDF(context.Context, []byte) ([]byte, error) {
	if s.pdf == nil {
		return nil, errors.New("no printer")
	}
	return s.pdf, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowPrivate = true
	cfg.Scan.QuietMs = 1
	cfg.Scan.MaxWaitMs = 50
	cfg.Engine.PollAttempts = 20
	cfg.Engine.PollInterval = 10 * time.Millisecond
	return *cfg
}

func newTestScanner(t *testing.T, cfg Config, src pageSource) *Scanner {
	t.Helper()
	s := newScanner(cfg, src, nil, slog.New(slog.DiscardHandler), "")
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScan_StoresReport(t *testing.T) {
	src := newFakeSource()
	src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	res, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !res.Stored {
		t.Error("report not stored")
	}
	want := resultstore.Key{TabID: "A1", URL: "https://example.com/"}
	if res.Key != want {
		t.Errorf("key: got %+v, want %+v", res.Key, want)
	}
	if res.Report.Statistics.IssuesFound != 2 {
		t.Errorf("IssuesFound: got %d, want 2", res.Report.Statistics.IssuesFound)
	}
	if strings.Join(res.Report.RequestedTags, ",") != "wcag2a,wcag2aa,wcag21a,wcag21aa,wcag22aa" {
		t.Errorf("policy tags not used: %v", res.Report.RequestedTags)
	}
	got, ok := s.GetReport(want)
	if !ok || got.Statistics.IssuesFound != 2 {
		t.Fatalf("stored report missing or wrong: %v %+v", ok, got)
	}
}

func TestScan_URLOpensOwnedTab(t *testing.T) {
	src := newFakeSource()
	s := newTestScanner(t, testConfig(), src)

	res, err := s.Scan(t.Context(), Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Key.TabID != "T1" {
		t.Errorf("tab id: got %q", res.Key.TabID)
	}
	if tabs := s.Tabs(); len(tabs) != 1 {
		t.Errorf("tracked tabs: %v", tabs)
	}

	p := src.pages["T1"]
	s.Close()
	if !p.isClosed() {
		t.Error("owned tab left open on Close")
	}
}

func TestScan_AttachedTabNotClosed(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if p.isClosed() {
		t.Error("attached tab was closed")
	}
}

func TestScan_NavigatesToRequestedURL(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	old := resultstore.Key{TabID: "A1", URL: "https://example.com/"}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Scan(t.Context(), Request{TabID: "A1", URL: "https://example.com/cart"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Key.URL != "https://example.com/cart" || !res.Stored {
		t.Errorf("result: %+v", res.Key)
	}
	if len(p.navigated) != 1 {
		t.Errorf("navigations: %v", p.navigated)
	}
	if _, ok := s.GetReport(old); ok {
		t.Error("report for previous page survived navigation")
	}

	// Same URL again: no navigation.
	if _, err := s.Scan(t.Context(), Request{TabID: "A1", URL: "https://example.com/cart"}); err != nil {
		t.Fatal(err)
	}
	if len(p.navigated) != 1 {
		t.Errorf("navigated again to the current URL: %v", p.navigated)
	}
}

func TestScan_Diagnostics(t *testing.T) {
	src := newFakeSource()
	src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	res, err := s.Scan(t.Context(), Request{TabID: "A1", Config: ScanConfig{
		Tags:    []string{"wcag2a", "wcag99"},
		Impacts: []string{"critical", "bogus"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	diags := strings.Join(res.Report.Diagnostics, "\n")
	for _, want := range []string{`tag "wcag99"`, `impact "bogus"`} {
		if !strings.Contains(diags, want) {
			t.Errorf("missing diagnostic %s in:\n%s", want, diags)
		}
	}
	if len(res.Report.Violations) != 1 || res.Report.Violations[0].ID != "image-alt" {
		t.Errorf("impact filter not applied: %+v", res.Report.Violations)
	}
}

func TestScan_RuleOverridesReachEngine(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	_, err := s.Scan(t.Context(), Request{TabID: "A1", Config: ScanConfig{
		Rules: map[string]json.RawMessage{"color-contrast": json.RawMessage(`false`)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	var opts engine.Options
	if err := json.Unmarshal(p.lastOpts, &opts); err != nil {
		t.Fatal(err)
	}
	if string(opts.Rules["color-contrast"]) != `{"enabled":false}` {
		t.Errorf("rule override: %s", opts.Rules["color-contrast"])
	}
	if opts.RunOnly == nil || opts.RunOnly.Type != "tag" {
		t.Errorf("runOnly: %+v", opts.RunOnly)
	}
}

func TestScan_PageUnavailable(t *testing.T) {
	src := newFakeSource()
	s := newTestScanner(t, testConfig(), src)
	noBrowser := newTestScanner(t, testConfig(), nil)

	cases := []struct {
		name string
		s    *Scanner
		req  Request
	}{
		{"empty request", s, Request{}},
		{"unknown tab", s, Request{TabID: "missing"}},
		{"invalid tab id", s, Request{TabID: "a|b"}},
		{"unsafe scheme", s, Request{URL: "file:///etc/passwd"}},
		{"no browser", noBrowser, Request{URL: "https://example.com/"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.s.Scan(t.Context(), tc.req)
			if !errors.Is(err, ErrPageUnavailable) {
				t.Fatalf("got %v, want PageUnavailable", err)
			}
		})
	}
}

func TestScan_NavigationFailure(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	p.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	s := newTestScanner(t, testConfig(), src)

	_, err := s.Scan(t.Context(), Request{TabID: "A1", URL: "https://nowhere.invalid/"})
	var se *ScanError
	if !errors.As(err, &se) || se.Kind != KindPageUnavailable {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(se.Diagnostic, "ERR_NAME_NOT_RESOLVED") {
		t.Errorf("diagnostic: %q", se.Diagnostic)
	}
}

func TestScan_EngineUnavailable(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	p.noEngine = true
	s := newTestScanner(t, testConfig(), src)

	_, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("got %v", err)
	}
	if s.Store().(*resultstore.Memory).Len() != 0 {
		t.Error("store written on failure")
	}
}

func TestScan_EngineExecutionError(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	p.run = func(context.Context) (json.RawMessage, error) {
		return nil, &engine.ScriptError{Message: "TypeError: x is undefined", Stack: "at run (axe.js:1)"}
	}
	s := newTestScanner(t, testConfig(), src)

	_, err := s.Scan(t.Context(), Request{TabID: "A1"})
	var se *ScanError
	if !errors.As(err, &se) || se.Kind != KindEngineExecution {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(se.Diagnostic, "x is undefined") || !strings.Contains(se.Diagnostic, "axe.js:1") {
		t.Errorf("diagnostic: %q", se.Diagnostic)
	}
	if len(se.Remediation) == 0 {
		t.Error("no remediation")
	}
}

func TestScan_TimeoutKeepsPreviousReport(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Completion = engine.CompletionPoll
	cfg.Engine.PollAttempts = 3
	cfg.Engine.PollInterval = 5 * time.Millisecond

	src := newFakeSource()
	src.add("A1", "https://example.com/")
	s := newTestScanner(t, cfg, src)

	key := resultstore.Key{TabID: "A1", URL: "https://example.com/"}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}
	previous := report.Normalize(&report.Raw{}, report.Context{Diagnostics: []string{"previous"}})
	if err := s.SaveReport(key, previous); err != nil {
		t.Fatal(err)
	}

	src.pages["A1"].mu.Lock()
	src.pages["A1"].poll = func() json.RawMessage { return json.RawMessage(`null`) }
	src.pages["A1"].mu.Unlock()

	_, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("got %v, want ScanTimeout", err)
	}
	after, ok := s.GetReport(key)
	if !ok || len(after.Diagnostics) != 1 || after.Diagnostics[0] != "previous" {
		t.Error("timed out scan changed the stored report")
	}
}

func TestScan_AlreadyInProgress(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	started := make(chan struct{})
	release := make(chan struct{})
	p.run = func(context.Context) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(rawResult), nil
	}
	s := newTestScanner(t, testConfig(), src)

	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(context.Background(), Request{TabID: "A1"})
		done <- err
	}()
	<-started

	_, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if !errors.Is(err, ErrScanAlreadyInProgress) {
		t.Errorf("second scan: got %v", err)
	}
	if err := s.NavigateTab(t.Context(), "A1", "https://example.com/other"); !errors.Is(err, ErrScanAlreadyInProgress) {
		t.Errorf("navigate during scan: got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Errorf("scan after release: %v", err)
	}
}

func TestScan_NavigationDuringScanNotStored(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	old := resultstore.Key{TabID: "A1", URL: "https://example.com/"}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}

	p.run = func(context.Context) (json.RawMessage, error) {
		p.userNavigates(t, "https://example.com/elsewhere")
		return json.RawMessage(rawResult), nil
	}
	res, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored {
		t.Error("report stored although the tab navigated during the scan")
	}
	if _, ok := s.GetReport(old); ok {
		t.Error("report for the previous page survived navigation")
	}
	if _, ok := s.GetReport(res.Key); ok {
		t.Error("stale report written")
	}
}

func TestScan_NavigationWhileSettling(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	old := resultstore.Key{TabID: "A1", URL: "https://example.com/"}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	p.observe = func() { p.userNavigates(t, "https://example.com/elsewhere") }
	p.mu.Unlock()

	res, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Key.URL != "https://example.com/elsewhere" || res.Report.URL != res.Key.URL {
		t.Errorf("report labelled %q / %q, want the new document", res.Key.URL, res.Report.URL)
	}
	if res.Stored {
		t.Error("report stored although the tab navigated while settling")
	}
	if _, ok := s.GetReport(old); ok {
		t.Error("report for the previous page survived navigation")
	}
	if _, ok := s.GetReport(res.Key); ok {
		t.Error("report of a document that changed mid-scan was stored")
	}
}

func TestScan_URLRedirectNotReloaded(t *testing.T) {
	src := newFakeSource()
	src.redirect = map[string]string{"http://example.com": "https://example.com/"}
	s := newTestScanner(t, testConfig(), src)

	res, err := s.Scan(t.Context(), Request{URL: "http://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if nav := src.pages["T1"].navigated; len(nav) != 0 {
		t.Errorf("freshly opened tab navigated again: %v", nav)
	}
	want := resultstore.Key{TabID: "T1", URL: "https://example.com/"}
	if res.Key != want || !res.Stored {
		t.Errorf("result: key %+v stored %v, want %+v stored", res.Key, res.Stored, want)
	}
	if _, ok := s.GetReport(want); !ok {
		t.Error("report of the redirected page not stored")
	}
}

func TestScanner_TabGoneDropsReports(t *testing.T) {
	src := newFakeSource()
	src.add("A1", "https://example.com/")
	src.add("B2", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	for _, id := range []string{"A1", "B2"} {
		if _, err := s.Scan(t.Context(), Request{TabID: id}); err != nil {
			t.Fatal(err)
		}
	}
	s.forgetTab("A1")

	if _, ok := s.GetReport(resultstore.Key{TabID: "A1", URL: "https://example.com/"}); ok {
		t.Error("report of closed tab kept")
	}
	if _, ok := s.GetReport(resultstore.Key{TabID: "B2", URL: "https://example.com/"}); !ok {
		t.Error("report of other tab dropped")
	}
	if tabs := s.Tabs(); len(tabs) != 1 || tabs[0] != "B2" {
		t.Errorf("tabs: %v", tabs)
	}
}

func TestScanner_CloseTab(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	if err := s.CloseTab("A1"); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("untracked: got %v", err)
	}
	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseTab("A1"); err != nil {
		t.Fatal(err)
	}
	if !p.isClosed() {
		t.Error("page not closed")
	}
	if s.Store().(*resultstore.Memory).Len() != 0 {
		t.Error("reports kept after close")
	}
}

func TestScanner_NavigateTab(t *testing.T) {
	src := newFakeSource()
	p := src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	if _, err := s.Scan(t.Context(), Request{TabID: "A1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.NavigateTab(t.Context(), "A1", "javascript:alert(1)"); !errors.Is(err, ErrPageUnavailable) {
		t.Errorf("unsafe url: got %v", err)
	}
	if err := s.NavigateTab(t.Context(), "A1", "https://example.com/next"); err != nil {
		t.Fatal(err)
	}
	if p.url != "https://example.com/next" {
		t.Errorf("url: %q", p.url)
	}
	if s.Store().(*resultstore.Memory).Len() != 0 {
		t.Error("reports kept after navigation")
	}
}

func TestScanner_SaveReportValidatesKey(t *testing.T) {
	s := newTestScanner(t, testConfig(), nil)
	r := report.Normalize(&report.Raw{}, report.Context{})
	if err := s.SaveReport(resultstore.Key{TabID: "x|y", URL: "u"}, r); err == nil {
		t.Error("invalid tab id accepted")
	}
	if err := s.SaveReport(resultstore.Key{TabID: "xy", URL: "u"}, r); err != nil {
		t.Error(err)
	}
}

func TestExport_Formats(t *testing.T) {
	src := newFakeSource()
	src.add("A1", "https://example.com/")
	s := newTestScanner(t, testConfig(), src)

	res, err := s.Scan(t.Context(), Request{TabID: "A1"})
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		FormatJSON:     "application/json",
		FormatHTML:     "text/html; charset=utf-8",
		FormatSARIF:    "application/sarif+json",
		FormatMarkdown: "text/markdown; charset=utf-8",
	}
	for format, wantCT := range cases {
		ct, data, err := s.Export(t.Context(), res.Key, format)
		if err != nil {
			t.Errorf("%s: %v", format, err)
			continue
		}
		if ct != wantCT {
			t.Errorf("%s: content type %q", format, ct)
		}
		if !strings.Contains(string(data), "image-alt") {
			t.Errorf("%s: rule missing from export", format)
		}
	}

	if _, _, err := s.Export(t.Context(), res.Key, "docx"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unknown format: got %v", err)
	}
	if _, _, err := s.Export(t.Context(), resultstore.Key{TabID: "A1", URL: "https://other/"}, FormatJSON); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("missing report: got %v", err)
	}
	if _, _, err := s.Export(t.Context(), res.Key, FormatPDF); err == nil {
		t.Error("pdf from a failing printer accepted")
	}
	src.pdf = []byte("%PDF-1.7 truncated")
	if _, _, err := s.Export(t.Context(), res.Key, FormatPDF); err == nil {
		t.Error("invalid pdf accepted")
	}
}

func TestExportPDF_NoBrowser(t *testing.T) {
	s := newTestScanner(t, testConfig(), nil)
	r := report.Normalize(&report.Raw{}, report.Context{})
	if _, err := s.ExportPDF(t.Context(), r); err == nil {
		t.Error("expected error without a browser")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&engine.ExecutionError{Message: "boom"}, KindEngineExecution},
		{fmt.Errorf("wrap: %w", engine.ErrUnavailable), KindEngineUnavailable},
		{engine.ErrTimeout, KindScanTimeout},
		{context.DeadlineExceeded, KindScanTimeout},
		{context.Canceled, KindScanTimeout},
		{errors.New("other"), KindEngineExecution},
		{newError(KindScanAlreadyInProgress, "", nil), KindScanAlreadyInProgress},
	}
	for _, tc := range cases {
		se := classify(tc.err)
		if se.Kind != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.err, se.Kind, tc.want)
		}
		if se.Message == "" {
			t.Errorf("classify(%v): empty message", tc.err)
		}
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestScanError_JSON(t *testing.T) {
	se := newError(KindScanTimeout, "waited 30s", errors.New("inner"))
	data, err := json.Marshal(se)
	if err != nil {
		t.Fatal(err)
	}
	var back ScanError
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != KindScanTimeout || back.Diagnostic != "waited 30s" || len(back.Remediation) == 0 {
		t.Errorf("decoded: %+v", back)
	}
	if strings.Contains(string(data), "inner") {
		t.Error("cause leaked into JSON")
	}
	if !errors.Is(&back, ErrScanTimeout) || errors.Is(&back, ErrPageUnavailable) {
		t.Error("Is does not match by kind")
	}
}
