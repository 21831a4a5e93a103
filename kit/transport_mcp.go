package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder turns the arguments of a tool call into an Endpoint request.
type Decoder func(*mcp.CallToolRequest) (any, error)

// DecodeArgs decodes the tool arguments as JSON into a new *T. A call
// without arguments yields a zero *T.
func DecodeArgs[T any]() Decoder {
	return func(req *mcp.CallToolRequest) (any, error) {
		v := new(T)
		if req.Params == nil || len(req.Params.Arguments) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// RegisterMCPTool serves endpoint as tool on srv. Bad arguments and
// endpoint errors come back as tool results with IsError set, which the
// model can read; only a broken session is a protocol error. The
// endpoint's response is sent as one text block: []byte and string as is,
// other values JSON encoded.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := decode(call)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		resp, err := endpoint(WithTransport(ctx, TransportMCP), req)
		if err != nil {
			return toolError(err), nil
		}
		text, err := toolText(resp)
		if err != nil {
			return toolError(err), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	})
}

func toolText(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func toolError(err error) *mcp.CallToolResult {
	res := new(mcp.CallToolResult)
	res.SetError(err)
	return res
}
