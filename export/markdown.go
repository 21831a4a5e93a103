package export

import (
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/a11yscan/report"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Markdown renders r as Markdown, derived from the HTML export so both
// documents carry the same content.
func Markdown(r *report.Report) ([]byte, error) {
	doc, err := HTML(r)
	if err != nil {
		return nil, err
	}
	var md string
	if r.URL != "" {
		md, err = mdConverter.ConvertString(string(doc), converter.WithDomain(r.URL))
	} else {
		md, err = mdConverter.ConvertString(string(doc))
	}
	if err != nil {
		return nil, fmt.Errorf("export: markdown: %w", err)
	}
	return []byte(md), nil
}
