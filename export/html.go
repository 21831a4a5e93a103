package export

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/a11yscan/report"
)

// strict removes every tag from engine-supplied prose. The template
// escapes the remaining text, so entities are decoded first to avoid
// double escaping.
var strict = bluemonday.StrictPolicy()

func plainText(s string) string {
	return html.UnescapeString(strict.Sanitize(s))
}

var funcs = template.FuncMap{
	"text": plainText,
	"join": strings.Join,
	"impactClass": func(impact string) string {
		if report.IsImpact(impact) {
			return impact
		}
		return report.ImpactUnknown
	},
}

var reportHTMLTmpl = template.Must(template.New("report").Funcs(funcs).Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Accessibility report: {{.URL}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;color:#1a1a1a;background:#fff}
h1{font-size:1.5rem;border-bottom:2px solid #d0d0d0;padding-bottom:.5rem}
h2{font-size:1.2rem;margin-top:2rem}
h3{font-size:1rem;margin:.2rem 0}
.meta{font-size:.85rem;color:#555}
.stats{display:flex;flex-wrap:wrap;gap:.75rem;margin:1rem 0}
.stat{border:1px solid #d0d0d0;border-radius:6px;padding:.5rem .8rem;min-width:7rem}
.stat b{display:block;font-size:1.3rem}
.rule{border:1px solid #d0d0d0;border-left-width:6px;border-radius:6px;padding:.8rem;margin-bottom:1rem;page-break-inside:avoid}
.critical{border-left-color:#a40000}.serious{border-left-color:#d04a00}
.moderate{border-left-color:#b08800}.minor{border-left-color:#3465a4}.unknown{border-left-color:#777}
.tags{font-size:.8rem;color:#555}
code,pre{font-family:ui-monospace,monospace;font-size:.8rem;background:#f4f4f4;border-radius:4px}
pre{padding:.5rem;white-space:pre-wrap;word-break:break-all}
.empty{color:#777;font-style:italic}
@media print{body{max-width:none;margin:0}a{color:inherit}}
</style></head><body>
<h1>Accessibility report</h1>
<p class="meta">
{{- if and .URL .SafeURL}}<a href="{{.URL}}">{{.URL}}</a>
{{- else}}{{.URL}}{{end}} &middot; {{.CapturedAt}}{{if .Engine}} &middot; {{.Engine}}{{end}}</p>
<div class="stats">
<div class="stat"><b>{{.Stats.IssuesFound}}</b>violations</div>
<div class="stat"><b>{{.Stats.TestsPassed}}</b>passed</div>
<div class="stat"><b>{{.Stats.ManualReview}}</b>manual review</div>
<div class="stat"><b>{{.Stats.NotApplicable}}</b>not applicable</div>
<div class="stat"><b>{{.Stats.AutomatedCoverage}}%</b>automated coverage</div>
</div>
<h2>Violations</h2>
{{- if not .Groups}}
<p class="empty">No violations found.</p>
{{- end}}
{{- range .Groups}}
<h2>{{.Impact}} ({{.Count}} rules, {{.NodeCount}} elements)</h2>
{{- range .Rules}}
{{template "rule" .}}
{{- end}}
{{- end}}
<h2>Needs manual review ({{len .ManualReview}})</h2>
{{- if not .ManualReview}}
<p class="empty">Nothing to review.</p>
{{- end}}
{{- range .ManualReview}}
{{template "rule" .}}
{{- end}}
<h2>Passed ({{len .Passes}})</h2>
<ul>
{{- range .Passes}}
<li><code>{{.ID}}</code> {{text .Help}}</li>
{{- end}}
</ul>
<p class="meta">{{.InapplicableCount}} rules did not apply to this page.</p>
</body></html>
{{define "rule"}}<div class="rule {{impactClass .Impact}}">
<h3><code>{{.ID}}</code> {{text .Help}}</h3>
<p>{{text .Description}}</p>
{{- if .WCAGCriteria}}
<p class="tags">{{join .WCAGCriteria ", "}}</p>
{{- end}}
{{- if .Standards}}
<p class="tags">{{join .Standards ", "}}</p>
{{- end}}
{{- if and .HelpURL .SafeHelpURL}}
<p><a href="{{.HelpURL}}">How to fix</a></p>
{{- end}}
{{- range .Nodes}}
<details><summary>{{if .Element}}<code>{{.Element}}</code> {{end}}<code>{{.Selector}}</code></summary>
<pre>{{.HTML}}</pre>
{{- if .FailureSummary}}
<pre>{{text .FailureSummary}}</pre>
{{- end}}
</details>
{{- end}}
</div>{{end}}`))

// HTML renders r as a self-contained, printable HTML document. All
// report-supplied text is escaped; links are emitted only for http(s)
// URLs.
func HTML(r *report.Report) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("export: nil report")
	}
	var buf bytes.Buffer
	if err := reportHTMLTmpl.Execute(&buf, BuildView(r)); err != nil {
		return nil, fmt.Errorf("export: html: %w", err)
	}
	return buf.Bytes(), nil
}
