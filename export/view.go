// Package export turns a normalized report into something a person or a
// tool can consume: a display view model, and JSON, HTML, SARIF 2.1.0 and
// Markdown documents.
package export

import (
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/a11yscan/report"
)

// View is the display projection of a report.
type View struct {
	URL        string
	SafeURL    bool
	CapturedAt string
	Engine     string
	Stats      report.Statistics

	Groups            []Group
	ManualReview      []RuleView
	Passes            []RuleView
	InapplicableCount int
}

// Group collects the violations of one impact level.
type Group struct {
	Impact    string
	Count     int
	NodeCount int
	Rules     []RuleView
}

// RuleView is one rule outcome ready for display.
type RuleView struct {
	ID           string
	Impact       string
	Help         string
	Description  string
	HelpURL      string
	SafeHelpURL  bool
	Standards    []string
	WCAGCriteria []string
	Nodes        []NodeView
}

// NodeView is one affected element ready for display.
type NodeView struct {
	Element        string
	HTML           string
	Selector       string
	FailureSummary string
}

// groupOrder is the display order of violation groups.
var groupOrder = append(append([]string{}, report.Impacts...), report.ImpactUnknown)

// BuildView projects r for display. Violations are grouped by impact, most
// severe first; empty groups are omitted.
func BuildView(r *report.Report) View {
	v := View{
		URL:               r.URL,
		SafeURL:           isSafeURL(r.URL),
		CapturedAt:        r.CapturedAt.UTC().Format(time.RFC3339),
		Engine:            strings.TrimSpace(r.Engine.Name + " " + r.Engine.Version),
		Stats:             r.Statistics,
		InapplicableCount: len(r.Inapplicable),
	}

	byImpact := make(map[string]*Group)
	for _, rule := range r.Violations {
		impact := rule.Impact
		if impact == "" || !report.IsImpact(impact) {
			impact = report.ImpactUnknown
		}
		g, ok := byImpact[impact]
		if !ok {
			g = &Group{Impact: impact}
			byImpact[impact] = g
		}
		g.Count++
		g.NodeCount += len(rule.Nodes)
		g.Rules = append(g.Rules, ruleView(rule))
	}
	for _, impact := range groupOrder {
		if g, ok := byImpact[impact]; ok {
			v.Groups = append(v.Groups, *g)
		}
	}

	for _, rule := range r.Incomplete {
		v.ManualReview = append(v.ManualReview, ruleView(rule))
	}
	for _, rule := range r.Passes {
		v.Passes = append(v.Passes, ruleView(rule))
	}
	return v
}

func ruleView(rule report.Rule) RuleView {
	rv := RuleView{
		ID:           rule.ID,
		Impact:       rule.Impact,
		Help:         rule.Help,
		Description:  rule.Description,
		HelpURL:      rule.HelpURL,
		SafeHelpURL:  isSafeURL(rule.HelpURL),
		Standards:    rule.Standards,
		WCAGCriteria: rule.WCAGCriteria,
	}
	for _, n := range rule.Nodes {
		rv.Nodes = append(rv.Nodes, NodeView{
			Element:        ElementSummary(n.HTML),
			HTML:           n.HTML,
			Selector:       n.Selector(),
			FailureSummary: n.FailureSummary,
		})
	}
	return rv
}

// ElementSummary parses a markup snippet and returns a short label for its
// first element, such as "img#logo.hero". It returns "" when the snippet
// holds no element.
func ElementSummary(snippet string) string {
	if strings.TrimSpace(snippet) == "" {
		return ""
	}
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(snippet), ctx)
	if err != nil {
		return ""
	}
	for _, n := range nodes {
		if el := firstElement(n); el != nil {
			return label(el)
		}
	}
	return ""
}

func firstElement(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if el := firstElement(c); el != nil {
			return el
		}
	}
	return nil
}

func label(n *html.Node) string {
	var b strings.Builder
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		switch a.Key {
		case "id":
			if a.Val != "" {
				b.WriteString("#" + a.Val)
			}
		case "class":
			for _, c := range strings.Fields(a.Val) {
				b.WriteString("." + c)
			}
		}
	}
	return b.String()
}

// isSafeURL returns true if the URL uses http or https scheme.
func isSafeURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
