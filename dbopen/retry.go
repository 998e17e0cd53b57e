package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy retries whole transactions while SQLite reports the database
// busy. The pause doubles after each attempt.
type RetryPolicy struct {
	Attempts int
	Pause    time.Duration
}

// DefaultRetry makes 4 attempts, pausing 50/100/200 ms in between.
var DefaultRetry = RetryPolicy{Attempts: 4, Pause: 50 * time.Millisecond}

// IsBusy reports whether err is an SQLite BUSY or LOCKED condition.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff { // primary result code
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// IsCorrupt reports whether err is SQLite refusing the file as a database
// (NOTADB) or finding it damaged (CORRUPT).
func IsCorrupt(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// RunTx runs fn in a transaction with DefaultRetry.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return DefaultRetry.RunTx(ctx, db, fn)
}

// RunTx runs fn in a transaction and commits it. fn may run more than once
// and must not keep side effects outside the transaction.
func (p RetryPolicy) RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	attempts := max(p.Attempts, 1)
	pause := p.Pause
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("dbopen: retry cancelled after %w: %w", err, ctx.Err())
			case <-t.C:
			}
			pause *= 2
		}
		if err = runOnce(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
	}
	return fmt.Errorf("dbopen: database busy after %d attempts: %w", attempts, err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
