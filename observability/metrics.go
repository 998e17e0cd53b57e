// CLAUDE:SUMMARY SQLite telemetry database: async audit trail of operator actions, buffered cycle metrics, retention cleanup.
// Package observability records what shelfwatch did into a SQLite telemetry
// database kept apart from the snapshot: the audit trail of operator actions
// and per-cycle metrics. Item state itself is never copied here.
//
// Call Open (or Init on an existing *sql.DB) first, then pass the database to
// NewAuditLogger and NewMetrics. Writes are buffered and never block the
// caller on a slow disk for long.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/shelfwatch/dbopen"
)

// Series recorded after each cycle.
const (
	MetricCycleDurationMs = "cycle_duration_ms"
	MetricCycleEvents     = "cycle_events"
	MetricCycleFailed     = "cycle_failed_fetches"
	MetricTrackedItems    = "tracked_items"
	MetricGoroutines      = "goroutines_count"
	MetricMemoryAllocMB   = "memory_alloc_mb"
)

// Metric is one point of a series.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"` // "milliseconds", "count", "megabytes"
}

// MetricQuery selects points. Zero fields do not filter; Limit 0 returns all.
type MetricQuery struct {
	Name  string
	Since time.Time
	Limit int
}

// Metrics queues points and writes them in one transaction when the batch
// fills up, on every tick, and on Close.
type Metrics struct {
	db     *sql.DB
	logger *slog.Logger
	batch  int
	every  time.Duration

	mu      sync.Mutex
	pending []Metric
	writeMu sync.Mutex // orders batches from the ticker and from Add

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithBatchSize writes as soon as n points are pending. Default: 64.
func WithBatchSize(n int) MetricsOption { return func(m *Metrics) { m.batch = n } }

// WithFlushEvery writes pending points on this period. Default: 30s.
func WithFlushEvery(d time.Duration) MetricsOption { return func(m *Metrics) { m.every = d } }

// WithMetricsLogger sets the logger for write failures.
func WithMetricsLogger(l *slog.Logger) MetricsOption { return func(m *Metrics) { m.logger = l } }

// NewMetrics starts the background writer. Call Close to stop it.
func NewMetrics(db *sql.DB, opts ...MetricsOption) *Metrics {
	m := &Metrics{db: db, quit: make(chan struct{}), done: make(chan struct{})}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.batch <= 0 {
		m.batch = 64
	}
	if m.every <= 0 {
		m.every = 30 * time.Second
	}
	go m.run()
	return m
}

// Add queues points. Missing timestamps are set to now. When the batch is
// full the caller writes it before returning.
func (m *Metrics) Add(points ...Metric) {
	now := time.Now()
	m.mu.Lock()
	for _, p := range points {
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		m.pending = append(m.pending, p)
	}
	full := len(m.pending) >= m.batch
	m.mu.Unlock()
	if full {
		m.Flush()
	}
}

// AddRuntime queues the goroutine count and the heap allocation.
func (m *Metrics) AddRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.Add(
		Metric{Name: MetricGoroutines, Value: float64(runtime.NumGoroutine()), Unit: "count"},
		Metric{Name: MetricMemoryAllocMB, Value: float64(mem.Alloc) / (1 << 20), Unit: "megabytes"},
	)
}

// Flush writes every pending point now. Points of a failed batch are
// logged and dropped.
func (m *Metrics) Flush() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.write(ctx, batch); err != nil {
		m.logger.Error("observability: write metrics", "error", err, "dropped", len(batch))
	}
}

func (m *Metrics) write(ctx context.Context, batch []Metric) error {
	return dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range batch {
			var labels sql.NullString
			if len(p.Labels) > 0 {
				b, err := json.Marshal(p.Labels)
				if err != nil {
					return fmt.Errorf("labels of %s: %w", p.Name, err)
				}
				labels = sql.NullString{String: string(b), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labels, p.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

// Query returns the points selected by q, newest first. Pending points are
// not visible until flushed.
func (m *Metrics) Query(ctx context.Context, q MetricQuery) ([]Metric, error) {
	stmt := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	var where []string
	var args []any
	if q.Name != "" {
		where = append(where, "metric_name = ?")
		args = append(args, q.Name)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	for i, w := range where {
		if i == 0 {
			stmt += " WHERE " + w
		} else {
			stmt += " AND " + w
		}
	}
	stmt += " ORDER BY timestamp DESC, rowid DESC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := m.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var (
			p      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labels, &p.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			if err := json.Unmarshal([]byte(labels.String), &p.Labels); err != nil {
				return nil, fmt.Errorf("observability: labels of %s: %w", p.Name, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close stops the writer after a last flush. Points added afterwards are
// written by Add only when they fill a batch.
func (m *Metrics) Close() error {
	m.once.Do(func() {
		close(m.quit)
		<-m.done
	})
	return nil
}

func (m *Metrics) run() {
	defer close(m.done)
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Flush()
		case <-m.quit:
			m.Flush()
			return
		}
	}
}
