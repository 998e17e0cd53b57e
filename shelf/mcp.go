// CLAUDE:SUMMARY Registers shelf_list_items, shelf_check_now, shelf_track, shelf_untrack, shelf_status, shelf_metrics MCP tools via kit.RegisterMCPTool.
package shelf

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/shelfwatch/kit"
)

// RegisterMCP registers the shelfwatch tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListTool(srv)
	s.registerCheckTool(srv)
	s.registerTrackTool(srv)
	s.registerUntrackTool(srv)
	s.registerStatusTool(srv)
	s.registerMetricsTool(srv)
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

// endpoint wraps a tool endpoint with logging and, when operation is set,
// the audit trail.
func (s *Service) endpoint(name, operation string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name), s.audited(operation))(ep)
}

// --- list ---

type listReq struct {
	Available *bool `json:"available"`
}

func (s *Service) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_list_items",
		Description: "List tracked library items with their last known availability.",
		InputSchema: inputSchema(map[string]any{
			"available": map[string]any{"type": "boolean", "description": "Only items in this state"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listReq)
		snap, err := s.Items(ctx)
		if err != nil {
			return nil, err
		}
		items := make([]Record, 0, len(snap))
		for _, rec := range snap.Records() {
			if r.Available != nil && rec.Available != *r.Available {
				continue
			}
			items = append(items, rec)
		}
		return map[string]any{"items": items, "count": len(items), "digest": snap.Digest()}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "", endpoint), kit.DecodeArgs[listReq]())
}

// --- check ---

func (s *Service) registerCheckTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_check_now",
		Description: "Run one check cycle now and return what changed.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.CheckNow(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "check", endpoint), kit.NoArgs)
}

// --- track ---

type trackReq struct {
	MarcNos []string `json:"marc_nos"`
}

func (s *Service) registerTrackTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_track",
		Description: "Start tracking catalog items by MARC number (pinned mode only).",
		InputSchema: inputSchema(map[string]any{
			"marc_nos": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "MARC numbers to track",
			},
		}, []string{"marc_nos"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*trackReq)
		return s.Track(ctx, r.MarcNos...)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "track", endpoint), kit.DecodeArgs[trackReq]())
}

// --- untrack ---

type untrackReq struct {
	IDs []string `json:"ids"`
}

func (s *Service) registerUntrackTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_untrack",
		Description: "Stop tracking items by identifier (pinned mode only).",
		InputSchema: inputSchema(map[string]any{
			"ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Identifiers to remove",
			},
		}, []string{"ids"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*untrackReq)
		removed, err := s.Untrack(ctx, r.IDs...)
		if err != nil && !(errors.Is(err, ErrNotTracked) && len(removed) > 0) {
			return nil, err
		}
		resp := map[string]any{"removed": removed}
		if err != nil {
			resp["warning"] = err.Error()
		}
		return resp, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "untrack", endpoint), kit.DecodeArgs[untrackReq]())
}

// --- status ---

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_status",
		Description: "Report tracked counts, lock holder, channels and scheduler counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "", endpoint), kit.NoArgs)
}

// --- metrics ---

type metricsReq struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

func (s *Service) registerMetricsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shelf_metrics",
		Description: "Recent points of a cycle metric series, newest first (needs telemetry.path).",
		InputSchema: inputSchema(map[string]any{
			"name":  map[string]any{"type": "string", "enum": MetricNames, "description": "Metric series"},
			"limit": map[string]any{"type": "integer", "description": "Maximum number of points (default 100)"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*metricsReq)
		points, err := s.Metrics(ctx, r.Name, time.Time{}, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"points": points, "count": len(points)}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, "", endpoint), kit.DecodeArgs[metricsReq]())
}
