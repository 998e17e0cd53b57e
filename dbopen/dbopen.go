// CLAUDE:SUMMARY SQLite opener for the snapshot backend and the telemetry database: per-connection pragmas in the DSN, schema, pool cap.
// Package dbopen opens the SQLite databases shelfwatch keeps: the snapshot
// backend and the telemetry database.
//
// Pragmas travel in the DSN as modernc.org/sqlite "_pragma" parameters, so
// every pooled connection gets them and not only the first one:
//
//	busy_timeout = 10000
//	journal_mode = WAL
//	synchronous  = NORMAL
//
// Usage:
//
//	db, err := dbopen.Open("shelfwatch.db", dbopen.WithMkdirAll(), dbopen.WithImmediateTx())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type config struct {
	pragmas  map[string]string
	txLock   string
	mkdirAll bool
	schemas  []string
	ping     bool
	maxOpen  int
}

func defaults() config {
	return config{
		pragmas: map[string]string{
			"busy_timeout": "10000",
			"journal_mode": "WAL",
			"synchronous":  "NORMAL",
		},
		ping: true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithPragma sets a pragma on every connection, replacing the default of
// the same name. An empty value drops the pragma.
func WithPragma(name, value string) Option {
	return func(c *config) {
		if value == "" {
			delete(c.pragmas, name)
			return
		}
		c.pragmas[name] = value
	}
}

// WithBusyTimeout sets how long a connection waits on a locked database.
// Default: 10s.
func WithBusyTimeout(d time.Duration) Option {
	return WithPragma("busy_timeout", strconv.FormatInt(d.Milliseconds(), 10))
}

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return WithPragma("synchronous", mode) }

// WithImmediateTx makes every BEGIN take the write lock up front, so a
// read-then-write transaction never fails half way on lock upgrade.
func WithImmediateTx() Option { return func(c *config) { c.txLock = "immediate" } }

// WithMaxOpenConns caps the connection pool. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpen = n } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute once the database is open.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// DSN returns the data source name Open uses for path.
func DSN(path string, opts ...Option) string {
	cfg := build(opts)
	return cfg.dsn(path)
}

func build(opts []Option) config {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func (c *config) dsn(path string) string {
	names := make([]string, 0, len(c.pragmas))
	for n := range c.pragmas {
		names = append(names, n)
	}
	sort.Strings(names)

	q := url.Values{}
	for _, n := range names {
		q.Add("_pragma", n+"("+c.pragmas[n]+")")
	}
	if c.txLock != "" {
		q.Set("_txlock", c.txLock)
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := build(opts)

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.maxOpen > 0 {
		db.SetMaxOpenConns(cfg.maxOpen)
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests. It is pinned to one
// connection so every query sees the same database, and closed on cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
