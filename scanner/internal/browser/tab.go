package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/a11yscan/scanner/internal/engine"
)

//go:embed observe.js
var observeJS string

const (
	mutationBinding = "__a11yscan_mutation"
	disconnectJS    = `() => { const o = window.__a11yscanSettle; if (o) { o.disconnect(); delete window.__a11yscanSettle; } return true; }`
)

// Tab is one page the scanner works on. Its ID is the Chrome target id.
type Tab struct {
	ID   string
	Page *rod.Page

	// Owned tabs were opened by the scanner and are closed with it.
	Owned bool

	manager *Manager
	unblock func()
}

// OpenTab creates a tab, navigates it to pageURL and waits for load.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b.Context(ctx))
	} else {
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{
		ID:      string(page.TargetID),
		Page:    page,
		Owned:   true,
		manager: m,
		unblock: blockResources(page, m.cfg.ResourceBlocking),
	}
	if err := t.Navigate(ctx, pageURL); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// AttachTab looks up an existing target by id, for tabs opened outside
// the scanner in a remote Chrome.
func (m *Manager) AttachTab(ctx context.Context, tabID string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}
	page, err := b.Context(ctx).PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return nil, fmt.Errorf("browser: attach %s: %w", tabID, err)
	}
	return &Tab{ID: tabID, Page: page, manager: m, unblock: func() {}}, nil
}

// Navigate loads pageURL in the tab, bounded by the navigation timeout. A
// load that never completes is logged, not fatal.
func (t *Tab) Navigate(ctx context.Context, pageURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, t.manager.cfg.NavigationTimeout)
	defer cancel()

	if err := t.Page.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := t.Page.Context(navCtx).WaitLoad(); err != nil {
		t.manager.cfg.Logger.Warn("browser: wait load", "url", pageURL, "error", err)
	}
	return nil
}

// URL returns the tab's current document URL.
func (t *Tab) URL(ctx context.Context) (string, error) {
	info, err := t.Page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: tab info: %w", err)
	}
	return info.URL, nil
}

// Eval implements engine.Evaluator. Page exceptions come back as
// *engine.ScriptError.
func (t *Tab) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := t.Page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return nil, scriptError(err)
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("browser: encode eval result: %w", err)
	}
	return data, nil
}

// AddScript implements engine.Evaluator. The source runs as a classic
// script through Runtime.evaluate, which page CSP does not restrict.
func (t *Tab) AddScript(ctx context.Context, src string) error {
	res, err := proto.RuntimeEvaluate{Expression: src}.Call(t.Page.Context(ctx))
	if err != nil {
		return fmt.Errorf("browser: add script: %w", err)
	}
	if res.ExceptionDetails != nil {
		msg, stack := exceptionText(res.ExceptionDetails)
		return &engine.ScriptError{Message: msg, Stack: stack}
	}
	return nil
}

// ObserveMutations installs a MutationObserver that reports through a
// runtime binding. Signals are coalesced: a full channel drops the signal,
// the pending one already means "changed".
func (t *Tab) ObserveMutations(ctx context.Context) (<-chan struct{}, func(), error) {
	page := t.Page.Context(ctx)
	if err := (proto.RuntimeAddBinding{Name: mutationBinding}).Call(page); err != nil {
		return nil, nil, fmt.Errorf("browser: add binding: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	signals := make(chan struct{}, 1)
	wait := t.Page.Context(listenCtx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != mutationBinding {
			return
		}
		select {
		case signals <- struct{}{}:
		default:
		}
	})
	go wait()

	if _, err := t.Eval(ctx, observeJS, mutationBinding); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("browser: install observer: %w", err)
	}

	stop := func() {
		cancel()
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer dcancel()
		if _, err := t.Eval(dctx, disconnectJS); err != nil {
			t.manager.cfg.Logger.Debug("browser: disconnect observer", "tab", t.ID, "error", err)
		}
	}
	return signals, stop, nil
}

// WatchNavigation calls fn with the new URL each time the tab's main frame
// commits a navigation, including same-document history changes. It
// returns when ctx is done.
func (t *Tab) WatchNavigation(ctx context.Context, fn func(url string)) {
	wait := t.Page.Context(ctx).EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				fn(e.Frame.URL)
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID == t.Page.FrameID {
				fn(e.URL)
			}
		},
	)
	wait()
}

// PDF prints the tab's current document.
func (t *Tab) PDF(ctx context.Context) ([]byte, error) {
	r, err := t.Page.Context(ctx).PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return nil, fmt.Errorf("browser: print: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.unblock != nil {
		t.unblock()
	}
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}

// RenderPDF prints an HTML document in a scratch tab.
func (m *Manager) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("browser: scratch tab: %w", err)
	}
	t := &Tab{ID: string(page.TargetID), Page: page, manager: m}
	defer t.Close()

	if err := page.SetDocumentContent(string(html)); err != nil {
		return nil, fmt.Errorf("browser: set content: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		m.cfg.Logger.Debug("browser: scratch wait load", "error", err)
	}
	return t.PDF(ctx)
}

func scriptError(err error) error {
	var ee *rod.EvalError
	if errors.As(err, &ee) && ee.RuntimeExceptionDetails != nil {
		msg, stack := exceptionText(ee.RuntimeExceptionDetails)
		return &engine.ScriptError{Message: msg, Stack: stack}
	}
	return err
}

// exceptionText splits a V8 exception description ("Error: msg\n    at
// ...") into message and stack.
func exceptionText(d *proto.RuntimeExceptionDetails) (string, string) {
	desc := d.Text
	if d.Exception != nil {
		switch {
		case d.Exception.Description != "":
			desc = d.Exception.Description
		case !d.Exception.Value.Nil():
			desc = d.Exception.Value.String()
		}
	}
	msg, stack, _ := strings.Cut(desc, "\n")
	return strings.TrimSpace(msg), strings.TrimSpace(stack)
}
