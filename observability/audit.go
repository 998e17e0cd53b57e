package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/shelfwatch/dbopen"
	"github.com/hazyhaar/shelfwatch/idgen"
	"github.com/hazyhaar/shelfwatch/kit"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuditEntry is one operator action in the audit trail.
type AuditEntry struct {
	EntryID    string    `json:"entry_id"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"` // e.g. "track", "untrack", "check"
	Transport  string    `json:"transport,omitempty"`
	User       string    `json:"user,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Parameters string    `json:"parameters,omitempty"` // JSON
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
}

// AuditFilter controls Query results. Zero fields do not filter.
type AuditFilter struct {
	Operation string
	Status    string
	Since     time.Time
	Limit     int // default 100
}

// AuditLogger persists audit entries asynchronously in batches.
type AuditLogger struct {
	db        *sql.DB
	newID     idgen.Generator
	logger    *slog.Logger
	ch        chan *AuditEntry
	syncReq   chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets a custom ID generator for audit entry IDs.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the logger for persistence failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger creates an async audit logger. Recommended bufferSize: 256.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:      db,
		newID:   idgen.Prefixed("aud_", idgen.Default),
		logger:  slog.Default(),
		ch:      make(chan *AuditEntry, bufferSize),
		syncReq: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry. It falls back to a synchronous insert when the
// buffer is full or the logger is closed.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case <-a.stop:
	default:
		select {
		case a.ch <- e:
			return
		default:
			a.logger.Warn("observability: audit buffer full, sync fallback", "operation", e.Operation)
		}
	}
	if err := a.insert(context.Background(), e); err != nil {
		a.logger.Error("observability: audit insert", "error", err, "operation", e.Operation)
	}
}

// NewAuditEntry builds an entry for operation from the request context,
// marshalling params to JSON.
func (a *AuditLogger) NewAuditEntry(ctx context.Context, operation string, params any, err error, d time.Duration) *AuditEntry {
	e := &AuditEntry{
		EntryID:    a.newID(),
		Timestamp:  time.Now(),
		Operation:  operation,
		Transport:  kit.GetTransport(ctx),
		User:       kit.GetUser(ctx),
		RequestID:  kit.GetRequestID(ctx),
		DurationMs: d.Milliseconds(),
		Status:     StatusSuccess,
	}
	if params != nil {
		if b, jerr := json.Marshal(params); jerr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.Error = err.Error()
	}
	return e
}

// Middleware records every call of the wrapped endpoint as operation.
// A nil logger records nothing.
func Middleware(a *AuditLogger, operation string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		if a == nil {
			return next
		}
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			a.LogAsync(a.NewAuditEntry(ctx, operation, req, err, time.Since(start)))
			return resp, err
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, transport, user_id, request_id,
		parameters, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &e.Transport, &e.User, &e.RequestID,
			&e.Parameters, &e.Error, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sync writes every queued entry before returning.
func (a *AuditLogger) Sync() {
	ack := make(chan struct{})
	select {
	case a.syncReq <- ack:
		<-ack
	case <-a.done:
	}
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

const auditBatch = 64

const insertAudit = `INSERT INTO audit_log
	(entry_id, timestamp, operation, transport, user_id, request_id,
	 parameters, error_message, duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?)`

func (e *AuditEntry) row() []any {
	return []any{e.EntryID, e.Timestamp.UnixMilli(), e.Operation, e.Transport, e.User, e.RequestID,
		e.Parameters, e.Error, e.DurationMs, e.Status}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	if _, err := a.db.ExecContext(ctx, insertAudit, e.row()...); err != nil {
		return fmt.Errorf("observability: insert audit entry: %w", err)
	}
	return nil
}

// writeBatch inserts batch in one transaction, retrying while the
// database is busy.
func (a *AuditLogger) writeBatch(batch []*AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertAudit)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, e.row()...); err != nil {
				return fmt.Errorf("entry %s: %w", e.EntryID, err)
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Error("observability: write audit batch", "error", err, "dropped", len(batch))
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, auditBatch)

	flush := func() {
		if len(batch) > 0 {
			a.writeBatch(batch)
			batch = batch[:0]
		}
	}

	drain := func() {
		for {
			select {
			case e := <-a.ch:
				batch = append(batch, e)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-a.stop:
			drain()
			return
		case ack := <-a.syncReq:
			drain()
			close(ack)
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= auditBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
