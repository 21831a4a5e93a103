package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/a11yscan/report"
)

// SARIFSchema is the schema URI written into SARIF exports.
const SARIFSchema = "https://json.schemastore.org/sarif-2.1.0.json"

type sarifReport struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool       sarifTool          `json:"tool"`
	Results    []sarifResult      `json:"results"`
	Properties map[string]any     `json:"properties,omitempty"`
	Artifacts  []sarifArtifactRef `json:"artifacts,omitempty"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	InformationURI string      `json:"informationUri,omitempty"`
	Rules          []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	ShortDescription sarifText      `json:"shortDescription"`
	FullDescription  *sarifText     `json:"fullDescription,omitempty"`
	HelpURI          string         `json:"helpUri,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	RuleIndex int             `json:"ruleIndex"`
	Level     string          `json:"level"`
	Message   sarifText       `json:"message"`
	Locations []sarifLocation `json:"locations,omitempty"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
	LogicalLocations []sarifLogical        `json:"logicalLocations,omitempty"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           *sarifRegion          `json:"region,omitempty"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifArtifactRef struct {
	Location sarifArtifactLocation `json:"location"`
}

type sarifRegion struct {
	Snippet *sarifText `json:"snippet,omitempty"`
}

type sarifLogical struct {
	FullyQualifiedName string `json:"fullyQualifiedName"`
	Kind               string `json:"kind"`
}

type sarifText struct {
	Text string `json:"text"`
}

// SARIFLevel maps an impact level to a SARIF result level.
func SARIFLevel(impact string) string {
	switch impact {
	case report.ImpactCritical, report.ImpactSerious:
		return "error"
	case report.ImpactModerate:
		return "warning"
	case report.ImpactMinor:
		return "note"
	default:
		return "warning"
	}
}

// SARIF encodes the violations of r as a SARIF 2.1.0 log. Each
// (violation, affected node) pair becomes one result; each distinct
// violation id becomes one driver rule.
func SARIF(r *report.Report) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("export: nil report")
	}

	rulesByID := map[string]sarifRule{}
	for _, v := range r.Violations {
		if _, exists := rulesByID[v.ID]; exists {
			continue
		}
		rule := sarifRule{
			ID:               v.ID,
			Name:             v.ID,
			ShortDescription: sarifText{Text: firstNonEmpty(v.Help, v.ID)},
			HelpURI:          v.HelpURL,
			Properties: map[string]any{
				"impact": v.Impact,
				"tags":   v.Tags,
			},
		}
		if v.Description != "" {
			rule.FullDescription = &sarifText{Text: v.Description}
		}
		if len(v.WCAGCriteria) > 0 {
			rule.Properties["wcag"] = v.WCAGCriteria
		}
		rulesByID[v.ID] = rule
	}

	rules := make([]sarifRule, 0, len(rulesByID))
	for _, rule := range rulesByID {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	index := make(map[string]int, len(rules))
	for i, rule := range rules {
		index[rule.ID] = i
	}

	results := make([]sarifResult, 0)
	for _, v := range r.Violations {
		for _, n := range v.Nodes {
			impact := v.Impact
			if n.Impact != "" {
				impact = n.Impact
			}
			results = append(results, sarifResult{
				RuleID:    v.ID,
				RuleIndex: index[v.ID],
				Level:     SARIFLevel(impact),
				Message:   sarifText{Text: resultMessage(v, n)},
				Locations: []sarifLocation{nodeLocation(r.URL, n)},
			})
		}
	}

	log := sarifReport{
		Version: "2.1.0",
		Schema:  SARIFSchema,
		Runs: []sarifRun{
			{
				Tool: sarifTool{
					Driver: sarifDriver{
						Name:           ToolName,
						Version:        ToolVersion,
						InformationURI: ToolURI,
						Rules:          rules,
					},
				},
				Results: results,
				Properties: map[string]any{
					"engine":            strings.TrimSpace(r.Engine.Name + " " + r.Engine.Version),
					"automatedCoverage": r.Statistics.AutomatedCoverage,
				},
			},
		},
	}
	if r.URL != "" {
		log.Runs[0].Artifacts = []sarifArtifactRef{{Location: sarifArtifactLocation{URI: r.URL}}}
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: sarif: %w", err)
	}
	return data, nil
}

func nodeLocation(pageURL string, n report.Node) sarifLocation {
	loc := sarifLocation{
		PhysicalLocation: sarifPhysicalLocation{
			ArtifactLocation: sarifArtifactLocation{URI: pageURL},
		},
	}
	if n.HTML != "" {
		loc.PhysicalLocation.Region = &sarifRegion{Snippet: &sarifText{Text: n.HTML}}
	}
	for _, sel := range n.Target {
		loc.LogicalLocations = append(loc.LogicalLocations, sarifLogical{
			FullyQualifiedName: sel,
			Kind:               "element",
		})
	}
	return loc
}

func resultMessage(v report.Rule, n report.Node) string {
	msg := firstNonEmpty(v.Help, v.Description, v.ID)
	if sel := n.Selector(); sel != "" {
		msg += " (" + sel + ")"
	}
	if n.FailureSummary != "" {
		msg += "\n" + n.FailureSummary
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
