// Package engine drives the in-page accessibility rule engine (axe-core).
//
// Prepare makes sure the engine is present and turns a scan request into the
// engine's options object. Run invokes the engine and returns its raw result
// object. Both talk to the page only through an Evaluator, so the package has
// no browser dependency of its own.
package engine

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/a11yscan/report"
)

var (
	//go:embed js/probe.js
	probeJS string
	//go:embed js/tags.js
	tagsJS string
	//go:embed js/run.js
	runJS string
	//go:embed js/start.js
	startJS string
	//go:embed js/poll.js
	pollJS string
	//go:embed js/reset.js
	resetJS string
)

// Completion modes.
const (
	// CompletionAwait evaluates the engine promise and awaits it directly.
	CompletionAwait = "await"
	// CompletionPoll starts the engine, which records its outcome in a page
	// global, and polls that global.
	CompletionPoll = "poll"
)

// ResultTypes are always requested so every category carries node detail.
var ResultTypes = []string{"violations", "passes", "incomplete", "inapplicable"}

var (
	// ErrUnavailable means the rule engine is not loaded in the page and
	// could not be injected.
	ErrUnavailable = errors.New("engine: rule engine unavailable")

	// ErrTimeout means the engine produced no result within the wait bound.
	ErrTimeout = errors.New("engine: no result within wait bound")
)

// ExecutionError is returned when the engine threw while evaluating.
type ExecutionError struct {
	Message string
	Stack   string
}

func (e *ExecutionError) Error() string {
	return "engine: execution failed: " + e.Message
}

// ScriptError is what an Evaluator returns when the evaluated script threw.
// Any other Eval error is treated as a transport failure.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return "script error: " + e.Message
}

// Evaluator runs JavaScript in a page.
type Evaluator interface {
	// Eval calls the function expression js with args, awaits the value
	// when it is a promise, and returns it JSON encoded.
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	// AddScript evaluates a classic script (the engine bundle) in the page.
	AddScript(ctx context.Context, src string) error
}

// Config configures an Invoker.
type Config struct {
	// Completion is CompletionAwait (default) or CompletionPoll.
	Completion string
	// PollAttempts and PollInterval bound a run in both modes: poll mode
	// reads the page global at most PollAttempts times, PollInterval apart;
	// await mode waits PollAttempts*PollInterval.
	PollAttempts int
	PollInterval time.Duration
	// Script is the engine bundle injected when the page has none.
	Script string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Completion != CompletionPoll {
		c.Completion = CompletionAwait
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bound is the longest a Run waits for a result.
func (c Config) Bound() time.Duration {
	return time.Duration(c.PollAttempts) * c.PollInterval
}

// Invoker prepares and runs the rule engine. It is stateless between calls
// and safe for concurrent use on different pages.
type Invoker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Invoker.
func New(cfg Config) *Invoker {
	cfg.defaults()
	return &Invoker{cfg: cfg, logger: cfg.Logger}
}

// Config returns the effective configuration.
func (inv *Invoker) Config() Config {
	return inv.cfg
}

// Request is what a caller asks the engine to check.
type Request struct {
	// Tags selects rules by tag. Tags the engine does not know are dropped.
	Tags []string
	// DefaultTags is used when Tags is empty or nothing of it survives.
	DefaultTags []string
	// Rules holds per-rule overrides keyed by rule id. A JSON boolean is
	// shorthand for {"enabled": b}; objects are passed through unchanged.
	Rules map[string]json.RawMessage
	// Iframes includes frame content in the run.
	Iframes bool
}

// Options is the options object handed to axe.run.
type Options struct {
	RunOnly     *RunOnly                   `json:"runOnly,omitempty"`
	Rules       map[string]json.RawMessage `json:"rules,omitempty"`
	ResultTypes []string                   `json:"resultTypes"`
	Iframes     bool                       `json:"iframes"`
}

// RunOnly restricts a run to rules carrying one of Values.
type RunOnly struct {
	Type   string   `json:"type"`
	Values []string `json:"values"`
}

// Plan is a prepared engine invocation.
type Plan struct {
	EngineVersion string
	// Tags are the tags actually sent; empty means the full rule set.
	Tags        []string
	Options     Options
	Diagnostics []string
}

// Prepare ensures the engine is loaded and builds its options. Only a
// missing engine is fatal; unusable tags become diagnostics.
func (inv *Invoker) Prepare(ctx context.Context, ev Evaluator, req Request) (*Plan, error) {
	version, err := inv.probe(ctx, ev)
	if err != nil {
		return nil, err
	}
	if version == "" && inv.cfg.Script != "" {
		inv.logger.Debug("engine: not in page, injecting")
		if err := ev.AddScript(ctx, inv.cfg.Script); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx)
			}
			return nil, fmt.Errorf("%w: inject: %v", ErrUnavailable, err)
		}
		if version, err = inv.probe(ctx, ev); err != nil {
			return nil, err
		}
	}
	if version == "" {
		return nil, ErrUnavailable
	}

	plan := &Plan{EngineVersion: version}

	known, err := inv.recognizedTags(ctx, ev)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		inv.logger.Warn("engine: cannot list rule tags", "error", err)
		plan.Diagnostics = append(plan.Diagnostics,
			"rule engine did not report its tags; requested tags were sent unchecked")
	}

	var diags []string
	plan.Tags, diags = SelectTags(req.Tags, req.DefaultTags, known)
	plan.Diagnostics = append(plan.Diagnostics, diags...)

	plan.Options = Options{
		Rules:       ruleOverrides(req.Rules),
		ResultTypes: append([]string(nil), ResultTypes...),
		Iframes:     req.Iframes,
	}
	if len(plan.Tags) > 0 {
		plan.Options.RunOnly = &RunOnly{Type: "tag", Values: plan.Tags}
	}
	return plan, nil
}

func (inv *Invoker) probe(ctx context.Context, ev Evaluator) (string, error) {
	raw, err := ev.Eval(ctx, probeJS)
	if err != nil {
		if ctx.Err() != nil {
			return "", contextError(ctx)
		}
		return "", fmt.Errorf("%w: probe: %v", ErrUnavailable, err)
	}
	var version string
	if isNull(raw) {
		return "", nil
	}
	if err := json.Unmarshal(raw, &version); err != nil {
		return "", fmt.Errorf("%w: probe: %v", ErrUnavailable, err)
	}
	return version, nil
}

// recognizedTags returns nil (not an empty set) when the engine could not
// be asked.
func (inv *Invoker) recognizedTags(ctx context.Context, ev Evaluator) (map[string]bool, error) {
	raw, err := ev.Eval(ctx, tagsJS)
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	known := make(map[string]bool, len(tags))
	for _, t := range tags {
		known[t] = true
	}
	return known, nil
}

// SelectTags intersects requested with known. When nothing is left it
// falls back to defaults (also intersected); an empty result means "run the
// full rule set". A nil known set disables the check.
func SelectTags(requested, defaults []string, known map[string]bool) ([]string, []string) {
	if known == nil {
		if tags := dedupe(requested); len(tags) > 0 {
			return tags, nil
		}
		return dedupe(defaults), nil
	}

	var diags []string
	kept := intersect(requested, known, func(tag string) {
		diags = append(diags, fmt.Sprintf("tag %q is not recognized by the rule engine and was dropped", tag))
	})
	if len(kept) > 0 {
		return kept, diags
	}
	if len(requested) > 0 {
		diags = append(diags, "no requested tag is recognized by the rule engine; using default tags")
	}

	kept = intersect(defaults, known, func(tag string) {
		diags = append(diags, fmt.Sprintf("default tag %q is not recognized by the rule engine and was dropped", tag))
	})
	if len(kept) == 0 && len(defaults) > 0 {
		diags = append(diags, "no default tag is recognized by the rule engine; running every rule")
	}
	return kept, diags
}

func intersect(tags []string, known map[string]bool, dropped func(string)) []string {
	var out []string
	for _, t := range dedupe(tags) {
		if known[t] {
			out = append(out, t)
		} else {
			dropped(t)
		}
	}
	return out
}

func dedupe(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func ruleOverrides(in map[string]json.RawMessage) map[string]json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for id, v := range in {
		switch string(bytes.TrimSpace(v)) {
		case "true":
			out[id] = json.RawMessage(`{"enabled":true}`)
		case "false":
			out[id] = json.RawMessage(`{"enabled":false}`)
		default:
			out[id] = v
		}
	}
	return out
}

// Run invokes the engine with plan and returns its raw result.
func (inv *Invoker) Run(ctx context.Context, ev Evaluator, plan *Plan) (*report.Raw, error) {
	if plan == nil {
		return nil, fmt.Errorf("engine: nil plan")
	}
	start := time.Now()
	var (
		raw *report.Raw
		err error
	)
	if inv.cfg.Completion == CompletionPoll {
		raw, err = inv.runPoll(ctx, ev, plan)
	} else {
		raw, err = inv.runAwait(ctx, ev, plan)
	}
	inv.logger.Debug("engine: run finished",
		"mode", inv.cfg.Completion, "duration", time.Since(start), "error", err)
	return raw, err
}

func (inv *Invoker) runAwait(ctx context.Context, ev Evaluator, plan *Plan) (*report.Raw, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Bound())
	defer cancel()

	out, err := ev.Eval(ctx, runJS, plan.Options)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, executionError(err)
	}
	return decodeRaw(out)
}

type pollState struct {
	Error *struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (inv *Invoker) runPoll(ctx context.Context, ev Evaluator, plan *Plan) (*report.Raw, error) {
	if _, err := ev.Eval(ctx, startJS, plan.Options); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, executionError(err)
	}

	ticker := time.NewTicker(inv.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= inv.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			inv.reset(ctx, ev)
			return nil, contextError(ctx)
		case <-ticker.C:
		}

		out, err := ev.Eval(ctx, pollJS)
		if err != nil {
			if ctx.Err() != nil {
				inv.reset(ctx, ev)
				return nil, contextError(ctx)
			}
			inv.logger.Debug("engine: poll failed", "attempt", attempt, "error", err)
			continue
		}
		if isNull(out) {
			continue
		}

		var st pollState
		if err := json.Unmarshal(out, &st); err != nil {
			return nil, &ExecutionError{Message: "unreadable engine state: " + err.Error()}
		}
		if st.Error != nil {
			return nil, &ExecutionError{Message: st.Error.Message, Stack: st.Error.Stack}
		}
		if isNull(st.Result) {
			return nil, &ExecutionError{Message: "rule engine finished without a result"}
		}
		return decodeRaw(st.Result)
	}

	inv.reset(ctx, ev)
	return nil, ErrTimeout
}

// reset clears the page global of an abandoned run.
func (inv *Invoker) reset(ctx context.Context, ev Evaluator) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := ev.Eval(ctx, resetJS); err != nil {
		inv.logger.Debug("engine: reset failed", "error", err)
	}
}

func decodeRaw(data json.RawMessage) (*report.Raw, error) {
	if isNull(data) {
		return nil, &ExecutionError{Message: "rule engine returned no result"}
	}
	var raw report.Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ExecutionError{Message: "unreadable engine result: " + err.Error()}
	}
	return &raw, nil
}

func executionError(err error) error {
	var se *ScriptError
	if errors.As(err, &se) {
		return &ExecutionError{Message: se.Message, Stack: se.Stack}
	}
	return &ExecutionError{Message: err.Error()}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func isNull(data []byte) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || string(d) == "null"
}
