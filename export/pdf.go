package export

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// CheckPDF validates a rendered PDF document and returns its page count.
// The browser prints the HTML export; this guards against truncated or
// empty output before it is handed to a caller.
func CheckPDF(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("export: empty pdf")
	}
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("export: pdf: %w", err)
	}
	if ctx.PageCount < 1 {
		return 0, fmt.Errorf("export: pdf has no pages")
	}
	return ctx.PageCount, nil
}
