package shelf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/shelfwatch/observability"
)

func withTelemetry(c *Config) {
	c.Telemetry.Path = filepath.Join(filepath.Dir(c.Store.Path), "telemetry.db")
}

func TestTelemetry_DisabledByDefault(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Metrics(ctx, observability.MetricTrackedItems, time.Time{}, 0); !errors.Is(err, ErrTelemetryDisabled) {
		t.Fatalf("Metrics: got %v, want ErrTelemetryDisabled", err)
	}
	if _, err := h.svc.AuditTrail(ctx, AuditFilter{}); !errors.Is(err, ErrTelemetryDisabled) {
		t.Fatalf("AuditTrail: got %v, want ErrTelemetryDisabled", err)
	}
	rec := doRequest(t, h.svc.Handler(), http.MethodGet, "/api/audit", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/audit: %d", rec.Code)
	}
}

func TestTelemetry_RecordsCycleMetrics(t *testing.T) {
	// WHAT: Each cycle records its duration, event count, failures and
	// tracked count, labelled with the cycle id.
	// WHY: Operators chart catalog latency and flapping from these series.
	h := newHarness(t, func(c *Config) {
		c.Source.Items = []string{"m1", "m2"}
		withTelemetry(c)
	})
	h.cat.set("m1", false)
	h.cat.set("m2", true)
	ctx := context.Background()

	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatal(err)
	}
	h.cat.set("m1", true)
	second, err := h.svc.CheckNow(ctx)
	if err != nil {
		t.Fatal(err)
	}

	durations, err := h.svc.Metrics(ctx, observability.MetricCycleDurationMs, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(durations) != 2 || durations[0].Labels["cycle_id"] != second.CycleID {
		t.Errorf("duration metrics: %+v", durations)
	}
	events, _ := h.svc.Metrics(ctx, observability.MetricCycleEvents, time.Time{}, 1)
	if len(events) != 1 || events[0].Value != 1 {
		t.Errorf("latest cycle_events: %+v", events)
	}
	tracked, _ := h.svc.Metrics(ctx, observability.MetricTrackedItems, time.Time{}, 0)
	if len(tracked) != 2 || tracked[0].Value != 2 {
		t.Errorf("tracked_items: %+v", tracked)
	}

	if _, err := h.svc.Metrics(ctx, "nope", time.Time{}, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown metric: got %v", err)
	}

	rep, _ := h.svc.Status(ctx)
	if rep.Telemetry != h.cfg.Telemetry.Path {
		t.Errorf("status telemetry: %q", rep.Telemetry)
	}

	rec := doRequest(t, h.svc.Handler(), http.MethodGet, "/api/metrics/"+observability.MetricTrackedItems+"?limit=1", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("GET /api/metrics: %d %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, h.svc.Handler(), http.MethodGet, "/api/metrics/nope", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown metric over HTTP: %d", rec.Code)
	}
}

func TestTelemetry_PrunesPastRetention(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		withTelemetry(c)
		c.Telemetry.Retention = 24 * time.Hour
	})
	ctx := context.Background()
	h.svc.telemetry.metrics.Add(observability.Metric{
		Name:      observability.MetricTrackedItems,
		Value:     9,
		Timestamp: time.Now().Add(-72 * time.Hour),
	})
	h.svc.telemetry.metrics.Flush()

	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatal(err)
	}
	points, err := h.svc.Metrics(ctx, observability.MetricTrackedItems, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range points {
		if p.Value == 9 {
			t.Fatalf("old point should be pruned: %+v", points)
		}
	}
}

func TestTelemetry_AuditTrailAcrossTransports(t *testing.T) {
	// WHAT: Mutating API and MCP calls are audited with their transport.
	h := newHarness(t, withTelemetry)
	h.cat.set("m1", true)
	handler := h.svc.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/items", `{"marc_nos":["m1"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("track: %d %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, handler, http.MethodDelete, "/api/items/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("untrack missing: %d %s", rec.Code, rec.Body)
	}
	session := mcpSession(t, h.svc)
	if text, isErr := mcpCall(t, session, "shelf_check_now", map[string]any{}); isErr {
		t.Fatalf("mcp check: %s", text)
	}
	// Reads are not audited.
	doRequest(t, handler, http.MethodGet, "/api/items", "", nil)

	rec = doRequest(t, handler, http.MethodGet, "/api/audit", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Entries []AuditEntry `json:"entries"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 3 {
		t.Fatalf("entries: %+v", body.Entries)
	}
	byOp := map[string]AuditEntry{}
	for _, e := range body.Entries {
		byOp[e.Operation] = e
	}
	if e := byOp["track"]; e.Transport != "http" || e.Status != observability.StatusSuccess || e.Parameters != `{"marc_nos":["m1"]}` {
		t.Errorf("track entry: %+v", e)
	}
	if e := byOp["untrack"]; e.Status != observability.StatusError || e.RequestID == "" {
		t.Errorf("untrack entry: %+v", e)
	}
	if e := byOp["check"]; e.Transport != "mcp" || !strings.HasPrefix(e.RequestID, "mcp_") {
		t.Errorf("check entry: %+v", e)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/audit?operation=track&since=1h", "", nil)
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 1 {
		t.Errorf("filtered: %d", body.Count)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/audit?limit=-1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/audit?since=yesterday", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: %d", rec.Code)
	}
}
