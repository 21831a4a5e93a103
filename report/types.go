// Package report defines the normalized accessibility report produced by a
// scan, and the pure function that builds it from the rule engine's raw
// output. Every consumer (result store, exporters, MCP tools, remote callers)
// exchanges *Report values and nothing else.
package report

import (
	"encoding/json"
	"strings"
	"time"
)

// SchemaVersion is bumped whenever the Report JSON shape changes.
const SchemaVersion = "1"

// Impact levels reported by the rule engine, most severe first.
const (
	ImpactCritical = "critical"
	ImpactSerious  = "serious"
	ImpactModerate = "moderate"
	ImpactMinor    = "minor"

	// ImpactUnknown tallies violations the engine did not rate.
	ImpactUnknown = "unknown"
)

// Impacts lists the known impact levels in severity order.
var Impacts = []string{ImpactCritical, ImpactSerious, ImpactModerate, ImpactMinor}

// IsImpact reports whether s is one of the four known impact levels.
func IsImpact(s string) bool {
	for _, i := range Impacts {
		if i == s {
			return true
		}
	}
	return false
}

// Raw is the rule engine's result object. Only the fields this system
// reads are declared; everything else is ignored on decode.
type Raw struct {
	URL          string     `json:"url"`
	Timestamp    string     `json:"timestamp"`
	TestEngine   EngineInfo `json:"testEngine"`
	Violations   []RawRule  `json:"violations"`
	Passes       []RawRule  `json:"passes"`
	Incomplete   []RawRule  `json:"incomplete"`
	Inapplicable []RawRule  `json:"inapplicable"`
}

// RawRule is one rule outcome as emitted by the engine.
type RawRule struct {
	ID          string    `json:"id"`
	Impact      string    `json:"impact"`
	Help        string    `json:"help"`
	Description string    `json:"description"`
	HelpURL     string    `json:"helpUrl"`
	Tags        []string  `json:"tags"`
	Nodes       []RawNode `json:"nodes"`
}

// RawNode is one element affected by a rule outcome.
type RawNode struct {
	HTML           string    `json:"html"`
	Target         Selectors `json:"target"`
	FailureSummary string    `json:"failureSummary"`
	Impact         string    `json:"impact"`
}

// Selectors is the engine's target list. Each entry is either a CSS
// selector string or, for elements inside iframes or shadow roots, an array
// of selectors that is flattened into a single " >>> " separated path.
type Selectors []string

// FramePathSeparator joins the selectors of a nested (iframe or shadow
// DOM) target path.
const FramePathSeparator = " >>> "

// UnmarshalJSON accepts both flat and nested selector arrays.
func (s *Selectors) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		// A lone selector string is tolerated.
		var one string
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return err
		}
		*s = Selectors{one}
		return nil
	}

	out := make(Selectors, 0, len(items))
	for _, item := range items {
		var sel string
		if err := json.Unmarshal(item, &sel); err == nil {
			out = append(out, sel)
			continue
		}
		var path []string
		if err := json.Unmarshal(item, &path); err != nil {
			return err
		}
		out = append(out, strings.Join(path, FramePathSeparator))
	}
	*s = out
	return nil
}

// EngineInfo identifies the rule engine that produced a result.
type EngineInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Report is the normalized, versioned scan report. Treat it as immutable
// once built: derive new values through Filter instead of editing fields.
type Report struct {
	SchemaVersion string     `json:"schemaVersion"`
	URL           string     `json:"url"`
	CapturedAt    time.Time  `json:"capturedAt"`
	Engine        EngineInfo `json:"engine"`

	Violations   []Rule `json:"violations"`
	Passes       []Rule `json:"passes"`
	Incomplete   []Rule `json:"incomplete"`
	Inapplicable []Rule `json:"inapplicable"`

	Statistics Statistics `json:"statistics"`

	RequestedTags []string `json:"requestedTags,omitempty"`
	ImpactFilter  []string `json:"impactFilter,omitempty"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
}

// Rule is a normalized rule outcome.
type Rule struct {
	ID           string   `json:"id"`
	Impact       string   `json:"impact,omitempty"`
	Help         string   `json:"help"`
	Description  string   `json:"description"`
	HelpURL      string   `json:"helpUrl"`
	Tags         []string `json:"tags"`
	Standards    []string `json:"standards"`
	WCAGCriteria []string `json:"wcagCriteria"`
	Nodes        []Node   `json:"nodes"`
}

// Node is a normalized affected element.
type Node struct {
	HTML           string   `json:"html"`
	Target         []string `json:"target"`
	FailureSummary string   `json:"failureSummary,omitempty"`
	Impact         string   `json:"impact,omitempty"`
}

// Statistics summarises the four outcome sequences of a Report.
type Statistics struct {
	TotalEvaluated    int            `json:"totalEvaluated"`
	TestsPassed       int            `json:"testsPassed"`
	IssuesFound       int            `json:"issuesFound"`
	ManualReview      int            `json:"manualReview"`
	NotApplicable     int            `json:"notApplicable"`
	Severity          map[string]int `json:"severity"`
	AutomatedCoverage int            `json:"automatedCoverage"`
}

// Selector returns the node's primary target path, or "" when the engine
// gave none.
func (n Node) Selector() string {
	if len(n.Target) == 0 {
		return ""
	}
	return strings.Join(n.Target, ", ")
}
