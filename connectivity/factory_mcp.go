package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/a11yscan/horosafe"
)

// MCPFactory creates Handlers that dispatch calls as MCP tool invocations
// over the streamable HTTP transport. The payload is decoded as the tool's
// JSON arguments and the tool's text content is returned as the response.
//
// The route must name the tool:
//
//	- service: RUN_SCAN
//	  strategy: mcp
//	  endpoint: https://scanner.internal/mcp
//	  tool_name: a11yscan_scan
//
// The session is opened on first use and reopened after a transport error.
func MCPFactory(impl *mcp.Implementation) TransportFactory {
	return func(rt Route) (Handler, func(), error) {
		if rt.ToolName == "" {
			return nil, nil, fmt.Errorf("connectivity/mcp: tool_name required")
		}
		policy := horosafe.URLPolicy{AllowPrivate: rt.AllowPrivate}
		if err := policy.Validate(rt.Endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/mcp: %w", err)
		}

		c := &mcpCaller{client: mcp.NewClient(impl, nil), endpoint: rt.Endpoint}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			var args map[string]any
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &args); err != nil {
					return nil, fmt.Errorf("connectivity/mcp: unmarshal args: %w", err)
				}
			}

			res, err := c.call(ctx, rt.ToolName, args)
			if err != nil {
				return nil, fmt.Errorf("connectivity/mcp: call %s: %w", rt.ToolName, err)
			}
			text := toolText(res)
			if res.IsError {
				return nil, &ErrRemote{Service: rt.Service, Status: 500, Message: text}
			}
			return []byte(text), nil
		}

		return handler, c.close, nil
	}
}

type mcpCaller struct {
	client   *mcp.Client
	endpoint string

	mu      sync.Mutex
	session *mcp.ClientSession
}

func (c *mcpCaller) call(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	if c.session == nil {
		s, err := c.client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: c.endpoint}, nil)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.session = s
	}
	session := c.session
	c.mu.Unlock()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		c.mu.Lock()
		if c.session == session {
			c.session.Close()
			c.session = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return res, nil
}

func (c *mcpCaller) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func toolText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
