package report

import (
	"regexp"
)

// standardNames maps engine tags to human-readable standard names. Tags
// missing from the table are shown as-is.
var standardNames = map[string]string{
	"wcag2a":        "WCAG 2.0 Level A",
	"wcag2aa":       "WCAG 2.0 Level AA",
	"wcag2aaa":      "WCAG 2.0 Level AAA",
	"wcag21a":       "WCAG 2.1 Level A",
	"wcag21aa":      "WCAG 2.1 Level AA",
	"wcag21aaa":     "WCAG 2.1 Level AAA",
	"wcag22a":       "WCAG 2.2 Level A",
	"wcag22aa":      "WCAG 2.2 Level AA",
	"wcag22aaa":     "WCAG 2.2 Level AAA",
	"best-practice": "Best Practices",
	"section508":    "Section 508",
	"ACT":           "W3C ACT Rules",
	"EN-301-549":    "EN 301 549",
	"TTv5":          "Trusted Tester v5",
	"RGAAv4":        "RGAA v4",
	"experimental":  "Experimental",

	"cat.aria":                    "ARIA",
	"cat.color":                   "Color",
	"cat.forms":                   "Forms",
	"cat.keyboard":                "Keyboard",
	"cat.language":                "Language",
	"cat.name-role-value":         "Name, Role, Value",
	"cat.parsing":                 "Parsing",
	"cat.semantics":               "Semantics",
	"cat.sensory-and-visual-cues": "Sensory and Visual Cues",
	"cat.structure":               "Structure",
	"cat.tables":                  "Tables",
	"cat.text-alternatives":       "Text Alternatives",
	"cat.time-and-media":          "Time and Media",
}

// StandardName returns the display name for tag, or tag itself.
func StandardName(tag string) string {
	if name, ok := standardNames[tag]; ok {
		return name
	}
	return tag
}

// wcagCriterion matches success-criterion tags such as "wcag111" or
// "wcag1412": one digit principle, one digit guideline, the rest criterion.
var wcagCriterion = regexp.MustCompile(`^wcag(\d)(\d)(\d+)$`)

// WCAGCriterion converts a criterion tag to "WCAG V.L.N". ok is false for
// any other tag.
func WCAGCriterion(tag string) (string, bool) {
	m := wcagCriterion.FindStringSubmatch(tag)
	if m == nil {
		return "", false
	}
	return "WCAG " + m[1] + "." + m[2] + "." + m[3], true
}

func standardsFor(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		name := StandardName(t)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func criteriaFor(tags []string) []string {
	out := []string{}
	for _, t := range tags {
		if c, ok := WCAGCriterion(t); ok {
			out = append(out, c)
		}
	}
	return out
}
