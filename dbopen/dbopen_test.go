package dbopen_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/shelfwatch/dbopen"
)

func pragmaInt(t *testing.T, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) int {
	t.Helper()
	var v int
	if err := q.QueryRowContext(context.Background(), "PRAGMA "+name).Scan(&v); err != nil {
		t.Fatalf("pragma %s: %v", name, err)
	}
	return v
}

func TestDSN(t *testing.T) {
	// WHAT: pragmas are encoded as sorted _pragma parameters, txlock appended.
	// WHY: the driver only applies pragmas carried in the DSN to every new connection.
	dsn := dbopen.DSN("snap.db", dbopen.WithBusyTimeout(2*time.Second), dbopen.WithImmediateTx())
	want := "snap.db?_pragma=busy_timeout%282000%29&_pragma=journal_mode%28WAL%29&_pragma=synchronous%28NORMAL%29&_txlock=immediate"
	if dsn != want {
		t.Fatalf("DSN = %q\nwant %q", dsn, want)
	}

	dsn = dbopen.DSN("snap.db", dbopen.WithPragma("journal_mode", ""), dbopen.WithSynchronous("FULL"))
	if strings.Contains(dsn, "journal_mode") || !strings.Contains(dsn, "synchronous%28FULL%29") {
		t.Fatalf("DSN = %q", dsn)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	// :memory: reports "memory" even though the PRAGMA ran.
	if journalMode != "wal" && journalMode != "memory" {
		t.Fatalf("journal_mode = %q, want wal or memory", journalMode)
	}
	if got := pragmaInt(t, db, "busy_timeout"); got != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", got)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	// WHAT: a second pooled connection carries the same busy_timeout.
	// WHY: a pragma set once with db.Exec only reaches one connection of the pool.
	path := filepath.Join(t.TempDir(), "pool.db")
	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(1234*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	c1, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	for i, c := range []*sql.Conn{c1, c2} {
		if got := pragmaInt(t, c, "busy_timeout"); got != 1234 {
			t.Errorf("conn %d busy_timeout = %d, want 1234", i+1, got)
		}
	}
}

func TestOpen_MkdirAllOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	if journalMode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journalMode)
	}
}

func TestOpen_MissingDirWithoutMkdir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent", "snapshot.db")
	if db, err := dbopen.Open(path); err == nil {
		db.Close()
		t.Fatal("expected error for missing parent directory")
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT);`))

	if _, err := db.Exec(`INSERT INTO items (id, title) VALUES ('TP311/1', 'hello')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var title string
	if err := db.QueryRow(`SELECT title FROM items WHERE id = 'TP311/1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "hello" {
		t.Fatalf("title = %q", title)
	}
}

func TestRunTx_RollbackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (id TEXT PRIMARY KEY);`))
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		calls++
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (non-busy errors are not retried)", calls)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows after rollback = %d, want 0", n)
	}
}

// holdWriteLock opens path with a single connection and keeps a write
// transaction open until the returned func is called.
func holdWriteLock(t *testing.T, path string) (release func()) {
	t.Helper()
	db, err := dbopen.Open(path, dbopen.WithMaxOpenConns(1),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY);`))
	if err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('holder')`); err != nil {
		t.Fatal(err)
	}
	return func() {
		tx.Commit()
		db.Close()
	}
}

func TestIsBusy(t *testing.T) {
	if dbopen.IsBusy(nil) {
		t.Error("nil is not busy")
	}
	if dbopen.IsBusy(errors.New("no such table")) {
		t.Error("unrelated error is not busy")
	}

	// WHAT: a writer blocked by another connection's transaction is busy.
	// WHY: detection relies on the driver's result code, not on message text.
	path := filepath.Join(t.TempDir(), "busy.db")
	release := holdWriteLock(t, path)
	defer release()

	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO items (id) VALUES ('b')`)
	if err == nil {
		t.Fatal("expected busy error while another writer holds the lock")
	}
	if !dbopen.IsBusy(err) {
		t.Fatalf("IsBusy(%v) = false", err)
	}
}

func TestRetryPolicy_GivesUpWhileBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	release := holdWriteLock(t, path)
	defer release()

	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	calls := 0
	p := dbopen.RetryPolicy{Attempts: 3, Pause: time.Millisecond}
	err = p.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		_, err := tx.Exec(`INSERT INTO items (id) VALUES ('b')`)
		return err
	})
	if !dbopen.IsBusy(err) {
		t.Fatalf("err = %v, want busy", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicy_SucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	release := holdWriteLock(t, path)

	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	time.AfterFunc(30*time.Millisecond, release)

	p := dbopen.RetryPolicy{Attempts: 8, Pause: 10 * time.Millisecond}
	err = p.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO items (id) VALUES ('b')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n)
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	release := holdWriteLock(t, path)
	defer release()

	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := dbopen.RetryPolicy{Attempts: 100, Pause: 50 * time.Millisecond}
	err = p.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO items (id) VALUES ('b')`)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestIsCorrupt_NotADatabase(t *testing.T) {
	// WHAT: opening a file of junk fails with an error IsCorrupt recognises.
	// WHY: stores move such files aside instead of refusing to start.
	path := filepath.Join(t.TempDir(), "junk.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := dbopen.Open(path)
	if err == nil {
		t.Fatal("expected open of a junk file to fail")
	}
	if !dbopen.IsCorrupt(err) {
		t.Fatalf("IsCorrupt(%v) = false", err)
	}
	if dbopen.IsBusy(err) {
		t.Error("a corrupt file is not busy")
	}
	if dbopen.IsCorrupt(errors.New("file is not a database")) {
		t.Error("plain errors are never corrupt")
	}
}
