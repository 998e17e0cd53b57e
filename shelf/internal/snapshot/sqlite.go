package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/shelfwatch/dbopen"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
)

// Schema is the SQLite layout of the snapshot.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
	id           TEXT PRIMARY KEY,
	marc_no      TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	publisher    TEXT NOT NULL DEFAULT '',
	publish_date TEXT NOT NULL DEFAULT '',
	available    INTEGER NOT NULL DEFAULT 0,
	url          TEXT NOT NULL DEFAULT '',
	changed_at   TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore keeps the snapshot in an SQLite table. Save rewrites the
// table inside one transaction. The cross-process lock is still the marker
// file, so SQLite and JSON stores behave the same under contention.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string // empty for an injected handle
	opts   Options
	logger *slog.Logger
	owned  bool
}

// OpenSQLiteStore opens (or creates) the database at path and applies
// Schema. A file SQLite rejects as corrupt is moved aside to
// "<path>.corrupt-<unix>" and an empty database takes its place.
func OpenSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	opts.defaults(path)
	db, err := openSnapshotDB(path)
	if dbopen.IsCorrupt(err) {
		aside, merr := moveAside(path)
		if merr != nil {
			return nil, fmt.Errorf("snapshot: move corrupt database aside: %w", merr)
		}
		opts.Logger.Warn("snapshot: corrupt database, starting empty",
			"path", path, "moved_to", aside, "error", err)
		db, err = openSnapshotDB(path)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: open sqlite: %w", err)
	}
	return &SQLiteStore{db: db, path: path, opts: opts, logger: opts.Logger, owned: true}, nil
}

func openSnapshotDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithImmediateTx(), dbopen.WithSchema(Schema))
}

// moveAside renames the database and its WAL files out of the way.
func moveAside(path string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, aside); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, aside+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return aside, err
		}
	}
	return aside, nil
}

// NewSQLiteStore wraps an already open database. opts.LockPath is required
// because an injected handle has no file path to derive it from.
func NewSQLiteStore(db *sql.DB, opts Options) (*SQLiteStore, error) {
	if opts.LockPath == "" {
		return nil, fmt.Errorf("snapshot: sqlite store needs a lock path")
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("snapshot: apply schema: %w", err)
	}
	opts.defaults("")
	return &SQLiteStore{db: db, opts: opts, logger: opts.Logger}, nil
}

func (s *SQLiteStore) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.handle().Close()
	}
	return nil
}

// LockPath returns the marker file path.
func (s *SQLiteStore) LockPath() string { return s.opts.LockPath }

// Lock acquires the marker lock with the store's options.
func (s *SQLiteStore) Lock(ctx context.Context) (*lockfile.Lock, error) {
	return lockfile.Acquire(ctx, s.opts.LockPath, s.opts.Lock)
}

// Load reads every row. Rows with an unparseable changed_at load with a zero
// timestamp rather than failing the whole snapshot. A corrupt database loads
// as empty; when the store opened it, the file is moved aside and recreated.
func (s *SQLiteStore) Load(ctx context.Context) (item.Snapshot, error) {
	db := s.handle()
	snap, err := s.load(ctx, db)
	if err == nil || !dbopen.IsCorrupt(err) {
		return snap, err
	}
	if err := s.replaceCorrupt(db, err); err != nil {
		return nil, err
	}
	return item.Snapshot{}, nil
}

// replaceCorrupt swaps the corrupt database behind db for an empty one.
// A handle already replaced by a concurrent caller is left alone.
func (s *SQLiteStore) replaceCorrupt(db *sql.DB, cause error) error {
	if !s.owned {
		s.logger.Warn("snapshot: corrupt database, loading empty", "error", cause)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != db {
		return nil
	}
	s.db.Close()
	aside, err := moveAside(s.path)
	if err != nil {
		return fmt.Errorf("snapshot: move corrupt database aside: %w", err)
	}
	fresh, err := openSnapshotDB(s.path)
	if err != nil {
		return fmt.Errorf("snapshot: reopen sqlite: %w", err)
	}
	s.db = fresh
	s.logger.Warn("snapshot: corrupt database, starting empty",
		"path", s.path, "moved_to", aside, "error", cause)
	return nil
}

func (s *SQLiteStore) load(ctx context.Context, db *sql.DB) (item.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, marc_no, title, author, publisher, publish_date, available, url, changed_at
		FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query: %w", err)
	}
	defer rows.Close()

	snap := item.Snapshot{}
	for rows.Next() {
		var r item.Record
		var available int
		var changedAt string
		if err := rows.Scan(&r.ID, &r.MarcNo, &r.Title, &r.Author, &r.Publisher,
			&r.PublishDate, &available, &r.URL, &changedAt); err != nil {
			return nil, fmt.Errorf("snapshot: scan: %w", err)
		}
		r.Available = available != 0
		if changedAt != "" {
			t, err := time.Parse(time.RFC3339Nano, changedAt)
			if err != nil {
				s.logger.Warn("snapshot: bad changed_at", "id", r.ID, "value", changedAt)
			} else {
				r.ChangedAt = t
			}
		}
		snap.Put(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: rows: %w", err)
	}
	return snap, nil
}

// Save replaces the table content in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap item.Snapshot) error {
	return dbopen.RunTx(ctx, s.handle(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
			return fmt.Errorf("snapshot: clear: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (id, marc_no, title, author, publisher, publish_date, available, url, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("snapshot: prepare: %w", err)
		}
		defer stmt.Close()

		for _, r := range snap.Records() {
			var changedAt string
			if !r.ChangedAt.IsZero() {
				changedAt = r.ChangedAt.UTC().Format(time.RFC3339Nano)
			}
			available := 0
			if r.Available {
				available = 1
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.MarcNo, r.Title, r.Author,
				r.Publisher, r.PublishDate, available, r.URL, changedAt); err != nil {
				return fmt.Errorf("snapshot: insert %s: %w", r.ID, err)
			}
		}
		return nil
	})
}
