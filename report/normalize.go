package report

import (
	"math"
	"time"
)

// Context carries what the caller asked for alongside a raw result.
type Context struct {
	// RequestedTags are the tags actually sent to the engine.
	RequestedTags []string
	// Impacts, when non-empty, restricts violations/passes/incomplete to
	// these impact levels.
	Impacts []string
	// PageURL overrides the URL reported by the engine when set.
	PageURL string
	// CapturedAt is used when the raw result carries no parsable timestamp.
	CapturedAt time.Time
	// Diagnostics are non-fatal notes gathered before normalization
	// (dropped tags, fallbacks).
	Diagnostics []string
}

// Normalize builds a Report from a raw engine result. It never mutates raw
// and returns structurally identical reports for identical inputs.
func Normalize(raw *Raw, c Context) *Report {
	if raw == nil {
		raw = &Raw{}
	}

	r := &Report{
		SchemaVersion: SchemaVersion,
		URL:           raw.URL,
		CapturedAt:    capturedAt(raw.Timestamp, c.CapturedAt),
		Engine:        raw.TestEngine,
		Violations:    normalizeRules(raw.Violations),
		Passes:        normalizeRules(raw.Passes),
		Incomplete:    normalizeRules(raw.Incomplete),
		Inapplicable:  normalizeRules(raw.Inapplicable),
		RequestedTags: cloneStrings(c.RequestedTags),
		Diagnostics:   cloneStrings(c.Diagnostics),
	}
	if c.PageURL != "" {
		r.URL = c.PageURL
	}
	r.Statistics = Summarize(r)

	if len(c.Impacts) > 0 {
		return r.Filter(c.Impacts)
	}
	return r
}

func capturedAt(ts string, fallback time.Time) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}

func normalizeRules(in []RawRule) []Rule {
	out := make([]Rule, 0, len(in))
	for _, rr := range in {
		out = append(out, normalizeRule(rr))
	}
	return out
}

func normalizeRule(rr RawRule) Rule {
	nodes := make([]Node, 0, len(rr.Nodes))
	for _, n := range rr.Nodes {
		nodes = append(nodes, Node{
			HTML:           n.HTML,
			Target:         cloneStrings(n.Target),
			FailureSummary: n.FailureSummary,
			Impact:         n.Impact,
		})
	}
	return Rule{
		ID:           rr.ID,
		Impact:       rr.Impact,
		Help:         rr.Help,
		Description:  rr.Description,
		HelpURL:      rr.HelpURL,
		Tags:         cloneStrings(rr.Tags),
		Standards:    standardsFor(rr.Tags),
		WCAGCriteria: criteriaFor(rr.Tags),
		Nodes:        nodes,
	}
}

// Summarize computes the statistics block from the four sequences of r.
// It is the only place statistics are derived.
func Summarize(r *Report) Statistics {
	s := Statistics{
		TestsPassed:   len(r.Passes),
		IssuesFound:   len(r.Violations),
		ManualReview:  len(r.Incomplete),
		NotApplicable: len(r.Inapplicable),
		Severity:      map[string]int{},
	}
	s.TotalEvaluated = s.TestsPassed + s.IssuesFound + s.ManualReview + s.NotApplicable

	for _, v := range r.Violations {
		impact := v.Impact
		if impact == "" {
			impact = ImpactUnknown
		}
		s.Severity[impact]++
	}

	if s.TotalEvaluated > 0 {
		s.AutomatedCoverage = int(math.Round(100 * float64(s.TestsPassed) / float64(s.TotalEvaluated)))
	}
	return s
}

// Filter returns a copy of r restricted to rules whose impact is in
// impacts. Inapplicable rules carry no impact and are always kept. The
// statistics of the copy are recomputed from the filtered sequences. An
// empty impacts list returns an unfiltered copy.
func (r *Report) Filter(impacts []string) *Report {
	out := r.Clone()
	if len(impacts) == 0 {
		return out
	}

	keep := make(map[string]bool, len(impacts))
	for _, i := range impacts {
		keep[i] = true
	}

	out.Violations = filterRules(out.Violations, keep)
	out.Passes = filterRules(out.Passes, keep)
	out.Incomplete = filterRules(out.Incomplete, keep)
	out.ImpactFilter = cloneStrings(impacts)
	out.Statistics = Summarize(out)
	return out
}

// WithStatistics returns a copy of r whose statistics are recomputed. Use it
// on reports received from outside the process before storing them.
func (r *Report) WithStatistics() *Report {
	out := r.Clone()
	out.Statistics = Summarize(out)
	return out
}

func filterRules(in []Rule, keep map[string]bool) []Rule {
	out := make([]Rule, 0, len(in))
	for _, rule := range in {
		if keep[rule.Impact] {
			out = append(out, rule)
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Violations = cloneRules(r.Violations)
	out.Passes = cloneRules(r.Passes)
	out.Incomplete = cloneRules(r.Incomplete)
	out.Inapplicable = cloneRules(r.Inapplicable)
	out.RequestedTags = cloneStrings(r.RequestedTags)
	out.ImpactFilter = cloneStrings(r.ImpactFilter)
	out.Diagnostics = cloneStrings(r.Diagnostics)
	out.Statistics.Severity = make(map[string]int, len(r.Statistics.Severity))
	for k, v := range r.Statistics.Severity {
		out.Statistics.Severity[k] = v
	}
	return &out
}

func cloneRules(in []Rule) []Rule {
	if in == nil {
		return []Rule{}
	}
	out := make([]Rule, len(in))
	for i, rule := range in {
		rule.Tags = cloneStrings(rule.Tags)
		rule.Standards = cloneStrings(rule.Standards)
		rule.WCAGCriteria = cloneStrings(rule.WCAGCriteria)
		nodes := make([]Node, len(rule.Nodes))
		for j, n := range rule.Nodes {
			n.Target = cloneStrings(n.Target)
			nodes[j] = n
		}
		rule.Nodes = nodes
		out[i] = rule
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Counts is a convenience view of the four sequence lengths.
type Counts struct {
	Violations, Passes, Incomplete, Inapplicable int
}

// Counts returns the lengths of the four outcome sequences.
func (r *Report) Counts() Counts {
	return Counts{
		Violations:   len(r.Violations),
		Passes:       len(r.Passes),
		Incomplete:   len(r.Incomplete),
		Inapplicable: len(r.Inapplicable),
	}
}
