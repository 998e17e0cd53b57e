// CLAUDE:SUMMARY Optional SQLite telemetry: cycle metrics, audit middleware for API/MCP actions, daily retention pruning.
package shelf

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/shelfwatch/kit"
	"github.com/hazyhaar/shelfwatch/observability"
	"github.com/hazyhaar/shelfwatch/shelf/internal/reconcile"
)

const pruneEvery = 24 * time.Hour

// MetricNames lists the series Metrics accepts.
var MetricNames = []string{
	observability.MetricCycleDurationMs,
	observability.MetricCycleEvents,
	observability.MetricCycleFailed,
	observability.MetricTrackedItems,
	observability.MetricGoroutines,
	observability.MetricMemoryAllocMB,
}

type telemetry struct {
	db        *sql.DB
	audit     *observability.AuditLogger
	metrics   *observability.Metrics
	retention time.Duration // <= 0 keeps everything

	pruneMu   sync.Mutex
	lastPrune time.Time
}

func (s *Service) openTelemetry() error {
	path := s.config.Telemetry.Path
	if path == "" {
		return nil
	}
	db, err := observability.Open(path)
	if err != nil {
		return fmt.Errorf("shelf: telemetry: %w", err)
	}
	t := &telemetry{
		db:        db,
		audit:     observability.NewAuditLogger(db, 256, observability.WithAuditLogger(s.logger)),
		metrics:   observability.NewMetrics(db, observability.WithMetricsLogger(s.logger)),
		retention: s.config.Telemetry.Retention,
	}
	s.telemetry = t
	// Closed in reverse: buffers drain before the database closes.
	s.closers = append(s.closers, db, t.audit, t.metrics)
	s.logger.Info("shelf: telemetry enabled", "path", path, "retention", t.retention)
	return nil
}

// audited records calls of the wrapped endpoint in the audit trail as
// operation. Without telemetry it is the identity.
func (s *Service) audited(operation string) kit.Middleware {
	if s.telemetry == nil || operation == "" {
		return func(next kit.Endpoint) kit.Endpoint { return next }
	}
	return observability.Middleware(s.telemetry.audit, operation)
}

func (s *Service) recordCycle(ctx context.Context, res *reconcile.Result) {
	t := s.telemetry
	if t == nil || res == nil {
		return
	}
	labels := map[string]string{"cycle_id": res.CycleID}
	now := s.now()
	t.metrics.Add(
		observability.Metric{Name: observability.MetricCycleDurationMs, Timestamp: now, Labels: labels, Value: float64(res.Duration.Milliseconds()), Unit: "milliseconds"},
		observability.Metric{Name: observability.MetricCycleEvents, Timestamp: now, Labels: labels, Value: float64(len(res.Events)), Unit: "count"},
		observability.Metric{Name: observability.MetricCycleFailed, Timestamp: now, Labels: labels, Value: float64(len(res.Failed)), Unit: "count"},
		observability.Metric{Name: observability.MetricTrackedItems, Timestamp: now, Labels: labels, Value: float64(res.Tracked), Unit: "count"},
	)
	t.metrics.AddRuntime()
	s.pruneTelemetry(ctx)
}

// pruneTelemetry applies the retention at most once per day.
func (s *Service) pruneTelemetry(ctx context.Context) {
	t := s.telemetry
	if t.retention <= 0 {
		return
	}
	t.pruneMu.Lock()
	defer t.pruneMu.Unlock()
	now := s.now()
	if !t.lastPrune.IsZero() && now.Sub(t.lastPrune) < pruneEvery {
		return
	}
	t.lastPrune = now
	n, err := observability.Cleanup(ctx, t.db, observability.RetentionConfig{
		Audit:   t.retention,
		Metrics: t.retention,
	})
	if err != nil {
		s.logger.Warn("shelf: prune telemetry", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("shelf: pruned telemetry", "rows", n, "retention", t.retention)
	}
}

// Metrics returns recorded points of one series, newest first.
func (s *Service) Metrics(ctx context.Context, name string, since time.Time, limit int) ([]Metric, error) {
	if s.telemetry == nil {
		return nil, ErrTelemetryDisabled
	}
	known := false
	for _, n := range MetricNames {
		known = known || n == name
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidInput, name)
	}
	if limit <= 0 {
		limit = 100
	}
	s.telemetry.metrics.Flush()
	points, err := s.telemetry.metrics.Query(ctx, observability.MetricQuery{Name: name, Since: since, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("shelf: metrics: %w", err)
	}
	if points == nil {
		points = []Metric{}
	}
	return points, nil
}

// AuditTrail returns recorded API and MCP actions, newest first.
func (s *Service) AuditTrail(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if s.telemetry == nil {
		return nil, ErrTelemetryDisabled
	}
	s.telemetry.audit.Sync()
	entries, err := s.telemetry.audit.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("shelf: audit trail: %w", err)
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
