// CLAUDE:SUMMARY Snapshot store contract (load/save/lock) and the WithLock helper that guarantees marker release on every exit path.
// Package snapshot persists the mapping of tracked identifiers to their last
// observed record. Every read-modify-write runs inside WithLock, which holds
// the cross-process lock for the duration of the callback.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
)

// Store persists a snapshot as a whole and exposes the lock guarding it.
type Store interface {
	// Load returns the persisted snapshot. A missing or corrupt snapshot
	// loads as empty.
	Load(ctx context.Context) (item.Snapshot, error)
	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snap item.Snapshot) error
	// Lock acquires the store's cross-process lock.
	Lock(ctx context.Context) (*lockfile.Lock, error)
}

// Options is shared by the store implementations.
type Options struct {
	// LockPath is the marker file. Default: "<path>.lock".
	LockPath string
	// Lock tunes acquisition (mode, poll interval, timeout).
	Lock lockfile.Options
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults(path string) {
	if o.LockPath == "" {
		o.LockPath = path + ".lock"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Lock.Logger == nil {
		o.Lock.Logger = o.Logger
	}
}

// WithLock acquires the store lock, runs fn and releases the lock whatever
// happens inside fn, panics included. A release failure is joined to the
// callback's error.
func WithLock[T any](ctx context.Context, s Store, fn func() (T, error)) (result T, err error) {
	l, err := s.Lock(ctx)
	if err != nil {
		return result, err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("snapshot: release lock: %w", rerr))
		}
	}()
	return fn()
}
