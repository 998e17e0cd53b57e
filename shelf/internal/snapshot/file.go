package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
)

// FileStore keeps the snapshot as one JSON object keyed by identifier.
// Writes go to a temp file in the same directory and are renamed into place,
// so readers never observe a partial snapshot.
type FileStore struct {
	path   string
	opts   Options
	logger *slog.Logger
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string, opts Options) *FileStore {
	opts.defaults(path)
	return &FileStore{path: path, opts: opts, logger: opts.Logger}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string { return s.path }

// LockPath returns the marker file path.
func (s *FileStore) LockPath() string { return s.opts.LockPath }

// Lock acquires the marker lock with the store's options.
func (s *FileStore) Lock(ctx context.Context) (*lockfile.Lock, error) {
	return lockfile.Acquire(ctx, s.opts.LockPath, s.opts.Lock)
}

// Load reads the snapshot. A missing or empty file is an empty snapshot. A
// file that does not decode is moved aside to "<path>.corrupt-<unix>" and
// also loads as empty.
func (s *FileStore) Load(ctx context.Context) (item.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return item.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return item.Snapshot{}, nil
	}

	var snap item.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			s.logger.Warn("snapshot: corrupt file could not be moved aside",
				"path", s.path, "error", rerr)
		}
		s.logger.Warn("snapshot: corrupt snapshot, starting empty",
			"path", s.path, "moved_to", aside, "error", err)
		return item.Snapshot{}, nil
	}
	if snap == nil {
		snap = item.Snapshot{}
	}
	// Older files may carry records whose embedded id is empty.
	for k, r := range snap {
		if r.ID == "" {
			r.ID = k
			snap[k] = r
		}
	}
	return snap, nil
}

// Save atomically replaces the snapshot file.
func (s *FileStore) Save(ctx context.Context, snap item.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		snap = item.Snapshot{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}
