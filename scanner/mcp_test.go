package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/a11yscan/connectivity"
	"github.com/hazyhaar/a11yscan/report"
	"github.com/hazyhaar/a11yscan/resultstore"
)

var testImpl = &mcp.Implementation{Name: "a11yscan-test", Version: "0.1.0"}

// mcpSession registers the tools of s on a fresh server and returns a
// connected client session.
func mcpSession(t *testing.T, s *Scanner) *mcp.ClientSession {
	t.Helper()
	_, c := newServiceClient(t, s)

	srv := mcp.NewServer(testImpl, nil)
	RegisterMCP(srv, c, s.logger)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool invokes a tool and decodes the text of its result into out.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content is %T", name, result.Content[0])
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, tc.Text, err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, newTestScanner(t, testConfig(), nil))

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{ToolScan, ToolGetReport, ToolExport} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

func TestMCP_ScanThenGetReport(t *testing.T) {
	src := newFakeSource()
	src.add("A1", "https://example.com/")
	session := mcpSession(t, newTestScanner(t, testConfig(), src))

	var scan RunScanResponse
	callTool(t, session, ToolScan, map[string]any{
		"tab_id": "A1",
		"config": map[string]any{"tags": []string{"wcag2a"}},
	}, &scan)
	if !scan.Success || scan.Key == nil {
		t.Fatalf("scan: %+v", scan)
	}
	if len(scan.Report.RequestedTags) != 1 || scan.Report.RequestedTags[0] != "wcag2a" {
		t.Errorf("requested tags: %v", scan.Report.RequestedTags)
	}

	var got GetReportResponse
	callTool(t, session, ToolGetReport, map[string]any{"key": scan.Key}, &got)
	if got.Report == nil || got.Report.Statistics.IssuesFound != 2 {
		t.Errorf("stored report: %+v", got.Report)
	}

	var missing GetReportResponse
	callTool(t, session, ToolGetReport, map[string]any{
		"key": map[string]any{"tab_id": "A1", "url": "https://example.com/none"},
	}, &missing)
	if missing.Report != nil {
		t.Error("report returned for unknown key")
	}
}

func TestMCP_ScanFailureIsStructured(t *testing.T) {
	session := mcpSession(t, newTestScanner(t, testConfig(), newFakeSource()))

	var scan RunScanResponse
	callTool(t, session, ToolScan, map[string]any{"tab_id": "gone"}, &scan)
	if scan.Success || scan.Error == nil {
		t.Fatalf("expected failure, got %+v", scan)
	}
	if scan.Error.Kind != KindPageUnavailable || len(scan.Error.Remediation) == 0 {
		t.Errorf("error: %+v", scan.Error)
	}
}

func TestMCP_Export(t *testing.T) {
	s := newTestScanner(t, testConfig(), nil)
	key := resultstore.Key{TabID: "1", URL: "https://example.com/"}
	if err := s.SaveReport(key, report.Normalize(&report.Raw{}, report.Context{PageURL: key.URL})); err != nil {
		t.Fatal(err)
	}
	session := mcpSession(t, s)

	var doc ExportResponse
	callTool(t, session, ToolExport, map[string]any{"key": key, "format": "html"}, &doc)
	if doc.ContentType != "text/html; charset=utf-8" || doc.Text == "" {
		t.Errorf("export: %+v", doc)
	}

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolExport,
		Arguments: map[string]any{"key": key, "format": "docx"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("unknown format not reported as a tool error")
	}
}

// A router with an mcp route reaches another scanner's tools over
// streamable HTTP.
func TestMCP_RemoteRoute(t *testing.T) {
	remote := newTestScanner(t, testConfig(), nil)
	key := resultstore.Key{TabID: "9", URL: "https://example.com/"}
	if err := remote.SaveReport(key, report.Normalize(&report.Raw{}, report.Context{PageURL: key.URL})); err != nil {
		t.Fatal(err)
	}
	remoteRouter, remoteClient := newServiceClient(t, remote)
	srv := mcp.NewServer(testImpl, nil)
	RegisterMCP(srv, remoteClient, remote.logger)
	ts := httptest.NewServer(NewHTTPHandler(HTTPOptions{Scanner: remote, Router: remoteRouter, MCP: srv}))
	t.Cleanup(ts.Close)

	local := connectivity.New()
	local.RegisterTransport("mcp", connectivity.MCPFactory(testImpl))
	t.Cleanup(func() { local.Close() })
	err := local.Apply([]connectivity.Route{{
		Service:      ServiceGetStoredReport,
		Strategy:     "mcp",
		Endpoint:     ts.URL + "/mcp",
		ToolName:     ToolGetReport,
		AllowPrivate: true,
	}})
	if err != nil {
		t.Fatal(err)
	}

	c := NewClient(local)
	got, err := c.GetStoredReport(t.Context(), key)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != key.URL {
		t.Errorf("report url: %q", got.URL)
	}
	if _, err := c.GetStoredReport(t.Context(), resultstore.Key{TabID: "9", URL: "https://x/"}); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("missing: got %v", err)
	}
}
