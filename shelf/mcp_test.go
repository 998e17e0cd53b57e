package shelf

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "shelfwatch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_ToolsListed(t *testing.T) {
	h := newHarness(t, nil)
	session := mcpSession(t, h.svc)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"shelf_list_items": true, "shelf_check_now": true, "shelf_track": true, "shelf_untrack": true, "shelf_status": true, "shelf_metrics": true}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing tools: %v", want)
	}
}

func TestMCP_TrackListUntrack(t *testing.T) {
	h := newHarness(t, nil)
	h.cat.set("m1", true)
	h.cat.set("m2", false)
	session := mcpSession(t, h.svc)

	text, isErr := mcpCall(t, session, "shelf_track", map[string]any{"marc_nos": []string{"m1", "m2", "m404"}})
	if isErr {
		t.Fatalf("track: %s", text)
	}
	var tr TrackResult
	if err := json.Unmarshal([]byte(text), &tr); err != nil {
		t.Fatal(err)
	}
	if len(tr.Tracked) != 2 || len(tr.NotFound) != 1 {
		t.Errorf("track result: %+v", tr)
	}

	text, _ = mcpCall(t, session, "shelf_list_items", map[string]any{"available": false})
	var list struct {
		Items []Record `json:"items"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Items[0].ID != "m2" {
		t.Errorf("list: %+v", list)
	}

	text, isErr = mcpCall(t, session, "shelf_untrack", map[string]any{"ids": []string{"m2", "ghost"}})
	if isErr {
		t.Fatalf("partial untrack should succeed with a warning: %s", text)
	}
	var un struct {
		Removed []Record `json:"removed"`
		Warning string   `json:"warning"`
	}
	json.Unmarshal([]byte(text), &un)
	if len(un.Removed) != 1 || un.Warning == "" {
		t.Errorf("untrack: %+v", un)
	}

	if text, isErr := mcpCall(t, session, "shelf_untrack", map[string]any{"ids": []string{"ghost"}}); !isErr {
		t.Errorf("untracking only unknown ids should be a tool error: %s", text)
	}
}

func TestMCP_CheckAndStatus(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Source.Items = []string{"m1"} })
	h.cat.set("m1", true)
	session := mcpSession(t, h.svc)

	text, isErr := mcpCall(t, session, "shelf_check_now", map[string]any{})
	if isErr {
		t.Fatalf("check: %s", text)
	}
	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 {
		t.Errorf("check result: %+v", res)
	}

	text, _ = mcpCall(t, session, "shelf_status", map[string]any{})
	var rep StatusReport
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Tracked != 1 || rep.Available != 1 {
		t.Errorf("status: %+v", rep)
	}
}
