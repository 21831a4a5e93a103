package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/a11yscan/idgen"
	"github.com/hazyhaar/a11yscan/kit"
)

// MCP tool names. Each tool takes the payload of the service it maps to
// and returns that service's JSON response, so a route with strategy "mcp"
// can point a service at another scanner's tool.
const (
	ToolScan      = "a11yscan_scan"
	ToolGetReport = "a11yscan_get_report"
	ToolExport    = "a11yscan_export"
)

// RegisterMCP registers the scanner tools on srv. Calls go through c, so
// they follow the configured routes.
func RegisterMCP(srv *mcp.Server, c *Client, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	keySchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tab_id": map[string]any{"type": "string", "description": "Tab the report was captured on"},
			"url":    map[string]any{"type": "string", "description": "Page URL at scan time"},
		},
		"required": []string{"tab_id", "url"},
	}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name: ToolScan,
		Description: "Run an accessibility scan (axe-core) on a browser tab or a URL. " +
			"Returns {success, key, report} or {success:false, error:{kind, message, remediation}}.",
		InputSchema: inputSchema(map[string]any{
			"tab_id": map[string]any{"type": "string", "description": "Existing tab to scan"},
			"url":    map[string]any{"type": "string", "description": "URL to open (or navigate tab_id to) before scanning"},
			"config": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Rule tags, e.g. wcag2a, wcag2aa. Empty uses the policy tags"},
					"impacts":     map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": []any{"critical", "serious", "moderate", "minor"}}},
					"rules":       map[string]any{"type": "object", "description": "Per-rule overrides: rule id to boolean or axe options"},
					"quiet_ms":    map[string]any{"type": "integer", "description": "DOM quiet window before scanning"},
					"max_wait_ms": map[string]any{"type": "integer", "description": "Upper bound on the quiet wait"},
					"iframes":     map[string]any{"type": "boolean"},
				},
			},
		}, nil),
	}, kit.Chain(withRequestID, logged(logger, ToolScan))(forward(c, ServiceRunScan)), kit.DecodeArgs[Request]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        ToolGetReport,
		Description: "Get the last stored accessibility report for a tab and URL. Returns {report} (null when none).",
		InputSchema: inputSchema(map[string]any{"key": keySchema}, []string{"key"}),
	}, kit.Chain(withRequestID, logged(logger, ToolGetReport))(forward(c, ServiceGetStoredReport)), kit.DecodeArgs[KeyRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        ToolExport,
		Description: "Export a stored report as json, html, sarif, md or pdf. Returns {content_type, text|data}.",
		InputSchema: inputSchema(map[string]any{
			"key":    keySchema,
			"format": map[string]any{"type": "string", "enum": []any{"json", "html", "sarif", "md", "pdf"}},
		}, []string{"key", "format"}),
	}, kit.Chain(withRequestID, logged(logger, ToolExport))(forward(c, ServiceExportReport)), kit.DecodeArgs[ExportRequest]())
}

// forward re-encodes the decoded arguments and calls service.
func forward(c *Client, service string) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		return c.router.Call(ctx, service, payload)
	}
}

// withRequestID tags each tool call with a fresh request id.
func withRequestID(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		return next(kit.WithRequestID(ctx, idgen.New()), req)
	}
}

// logged logs each tool call with its outcome.
func logged(logger *slog.Logger, tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			logger.InfoContext(ctx, "scanner: mcp call",
				"tool", tool, "transport", kit.GetTransport(ctx), "request_id", kit.GetRequestID(ctx),
				"duration", time.Since(start), "error", err)
			return resp, err
		}
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
