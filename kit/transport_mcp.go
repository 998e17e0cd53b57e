package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/shelfwatch/idgen"
)

// Decoder turns raw tool arguments into the request an Endpoint expects.
type Decoder func(*mcp.CallToolRequest) (any, error)

var newCallID = idgen.Prefixed("mcp_", idgen.Default)

// RegisterMCPTool exposes endpoint as an MCP tool. Every call gets
// TransportMCP and a fresh request id on its context. Decode and endpoint
// failures come back as tool errors so the client sees the message, never
// as protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		ctx = WithRequestID(WithTransport(ctx, TransportMCP), newCallID())

		out, err := endpoint(ctx, in)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("encode result: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}

// DecodeArgs decodes the tool arguments into a fresh *T. Missing arguments
// leave T zero.
func DecodeArgs[T any]() Decoder {
	return func(req *mcp.CallToolRequest) (any, error) {
		r := new(T)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, r); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
}

// NoArgs is the Decoder of tools without arguments.
func NoArgs(*mcp.CallToolRequest) (any, error) { return nil, nil }
