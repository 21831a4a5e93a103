package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/a11yscan/connectivity"
	"github.com/hazyhaar/a11yscan/report"
	"github.com/hazyhaar/a11yscan/resultstore"
)

// Services of the message protocol. Payloads and responses are JSON.
const (
	ServiceRunScan         = "RUN_SCAN"
	ServiceGetStoredReport = "GET_STORED_REPORT"
	ServiceSaveReport      = "SAVE_REPORT"
	ServiceInvalidateTab   = "INVALIDATE_TAB"
	ServiceExportReport    = "EXPORT_REPORT"
)

// RunScanResponse answers RUN_SCAN. A failed scan is a successful call
// with Success false and Error set.
type RunScanResponse struct {
	Success bool             `json:"success"`
	Key     *resultstore.Key `json:"key,omitempty"`
	Stored  bool             `json:"stored,omitempty"`
	Report  *report.Report   `json:"report,omitempty"`
	Error   *ScanError       `json:"error,omitempty"`
}

// KeyRequest is the GET_STORED_REPORT payload.
type KeyRequest struct {
	Key resultstore.Key `json:"key"`
}

// GetReportResponse carries a null report when nothing is stored.
type GetReportResponse struct {
	Report *report.Report `json:"report"`
}

// SaveReportRequest is the SAVE_REPORT payload.
type SaveReportRequest struct {
	Key    resultstore.Key `json:"key"`
	Report json.RawMessage `json:"report"`
}

// SaveReportResponse answers SAVE_REPORT.
type SaveReportResponse struct {
	OK bool `json:"ok"`
}

// InvalidateTabRequest is the INVALIDATE_TAB payload.
type InvalidateTabRequest struct {
	TabID string `json:"tab_id"`
}

// InvalidateTabResponse reports how many reports were dropped.
type InvalidateTabResponse struct {
	Removed int `json:"removed"`
}

// ExportRequest is the EXPORT_REPORT payload.
type ExportRequest struct {
	Key    resultstore.Key `json:"key"`
	Format string          `json:"format"`
}

// ExportResponse carries textual documents in Text and binary ones (pdf)
// in Data.
type ExportResponse struct {
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Body returns the document bytes whichever field carries them.
func (r *ExportResponse) Body() []byte {
	if len(r.Data) > 0 {
		return r.Data
	}
	return []byte(r.Text)
}

// RegisterServices registers the protocol services as local handlers.
func (s *Scanner) RegisterServices(r *connectivity.Router) {
	local := map[string]connectivity.Handler{
		ServiceRunScan:         handle(s.runScan),
		ServiceGetStoredReport: handle(s.getStoredReport),
		ServiceSaveReport:      handle(s.saveReport),
		ServiceInvalidateTab:   handle(s.invalidateTab),
		ServiceExportReport:    handle(s.exportReport),
	}
	for name, h := range local {
		r.RegisterLocal(name, connectivity.Chain(
			connectivity.Recovery(s.logger),
			connectivity.Logging(s.logger, name),
		)(h))
	}
}

// handle adapts a typed service function to a connectivity.Handler.
func handle[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

func (s *Scanner) runScan(ctx context.Context, req *Request) (*RunScanResponse, error) {
	res, err := s.Scan(ctx, *req)
	if err != nil {
		var se *ScanError
		if !errors.As(err, &se) {
			return nil, err
		}
		return &RunScanResponse{Error: se}, nil
	}
	return &RunScanResponse{Success: true, Key: &res.Key, Stored: res.Stored, Report: res.Report}, nil
}

func (s *Scanner) getStoredReport(_ context.Context, req *KeyRequest) (*GetReportResponse, error) {
	r, _ := s.GetReport(req.Key)
	return &GetReportResponse{Report: r}, nil
}

func (s *Scanner) saveReport(_ context.Context, req *SaveReportRequest) (*SaveReportResponse, error) {
	if len(req.Report) == 0 || string(req.Report) == "null" {
		return nil, fmt.Errorf("%w: missing report", ErrBadRequest)
	}
	r, err := decodeReport(req.Report)
	if err != nil {
		return nil, fmt.Errorf("%w: report: %v", ErrBadRequest, err)
	}
	if err := s.SaveReport(req.Key, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return &SaveReportResponse{OK: true}, nil
}

func (s *Scanner) invalidateTab(_ context.Context, req *InvalidateTabRequest) (*InvalidateTabResponse, error) {
	if req.TabID == "" {
		return nil, fmt.Errorf("%w: tab_id required", ErrBadRequest)
	}
	return &InvalidateTabResponse{Removed: s.InvalidateTab(req.TabID)}, nil
}

func (s *Scanner) exportReport(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	ct, data, err := s.Export(ctx, req.Key, strings.ToLower(req.Format))
	if err != nil {
		return nil, err
	}
	if ct == "application/pdf" {
		return &ExportResponse{ContentType: ct, Data: data}, nil
	}
	return &ExportResponse{ContentType: ct, Text: string(data)}, nil
}

// Client calls the protocol services through a router, so each call goes
// in-process or to a remote scanner depending on the configured routes.
type Client struct {
	router *connectivity.Router
}

// NewClient creates a Client over r.
func NewClient(r *connectivity.Router) *Client {
	return &Client{router: r}
}

// RunScan calls RUN_SCAN. A failed scan is returned as its *ScanError.
func (c *Client) RunScan(ctx context.Context, req Request) (*Result, error) {
	resp, err := call[RunScanResponse](ctx, c.router, ServiceRunScan, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error == nil {
			return nil, fmt.Errorf("scanner: %s: unsuccessful response without error", ServiceRunScan)
		}
		return nil, resp.Error
	}
	res := &Result{Report: resp.Report, Stored: resp.Stored}
	if resp.Key != nil {
		res.Key = *resp.Key
	}
	return res, nil
}

// GetStoredReport calls GET_STORED_REPORT. A missing report is
// ErrReportNotFound.
func (c *Client) GetStoredReport(ctx context.Context, key resultstore.Key) (*report.Report, error) {
	resp, err := call[GetReportResponse](ctx, c.router, ServiceGetStoredReport, KeyRequest{Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Report == nil {
		return nil, ErrReportNotFound
	}
	return resp.Report, nil
}

// SaveReport calls SAVE_REPORT.
func (c *Client) SaveReport(ctx context.Context, key resultstore.Key, r *report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	resp, err := call[SaveReportResponse](ctx, c.router, ServiceSaveReport, SaveReportRequest{Key: key, Report: data})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("scanner: %s: not acknowledged", ServiceSaveReport)
	}
	return nil
}

// InvalidateTab calls INVALIDATE_TAB.
func (c *Client) InvalidateTab(ctx context.Context, tabID string) (int, error) {
	resp, err := call[InvalidateTabResponse](ctx, c.router, ServiceInvalidateTab, InvalidateTabRequest{TabID: tabID})
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Export calls EXPORT_REPORT.
func (c *Client) Export(ctx context.Context, key resultstore.Key, format string) (*ExportResponse, error) {
	return call[ExportResponse](ctx, c.router, ServiceExportReport, ExportRequest{Key: key, Format: format})
}

func call[Resp any](ctx context.Context, r *connectivity.Router, service string, req any) (*Resp, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("scanner: %s: encode: %w", service, err)
	}
	out, err := r.Call(ctx, service, payload)
	if err != nil {
		return nil, err
	}
	var resp Resp
	if len(out) == 0 {
		return &resp, nil
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("scanner: %s: decode: %w", service, err)
	}
	return &resp, nil
}
