// CLAUDE:SUMMARY Cross-process exclusive lock backed by a marker file: blocking/non-blocking acquire, owner metadata, guaranteed removal.
// Package lockfile implements the cross-process exclusive lock that guards
// the snapshot read-modify-write.
//
// The lock is a marker file. Acquire creates it and Release removes it; its
// presence means a cycle is in progress. On unix the marker is additionally
// held with flock(2), so the kernel drops the lock when the holder dies and
// the next acquirer reclaims a marker left behind by a crash.
//
//	l, err := lockfile.Acquire(ctx, "book.json.lock", lockfile.Options{Mode: lockfile.Blocking})
//	if err != nil { ... }
//	defer l.Release()
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/shelfwatch/idgen"
)

// ErrLocked is returned by a non-blocking acquire when another holder owns
// the lock.
var ErrLocked = errors.New("lockfile: locked by another holder")

// ErrTimeout is returned by a blocking acquire whose wait exceeded
// Options.Timeout.
var ErrTimeout = errors.New("lockfile: timed out waiting for lock")

// Mode selects how Acquire behaves when the lock is taken.
type Mode int

const (
	Blocking    Mode = iota // poll until the lock is free
	NonBlocking             // fail immediately with ErrLocked
)

// String returns "block" or "nonblock".
func (m Mode) String() string {
	if m == NonBlocking {
		return "nonblock"
	}
	return "block"
}

// ParseMode parses "block" / "nonblock" (also "wait" / "fail").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "block", "blocking", "wait":
		return Blocking, nil
	case "nonblock", "non-blocking", "nonblocking", "fail":
		return NonBlocking, nil
	}
	return Blocking, fmt.Errorf("lockfile: unknown mode %q", s)
}

// Options tunes Acquire.
type Options struct {
	Mode Mode
	// PollInterval is the retry period in blocking mode. Default: 1s.
	PollInterval time.Duration
	// Timeout bounds the blocking wait. 0 waits until ctx is done.
	Timeout time.Duration
	// Owner identifies the holder in the marker. Default: idgen.LockOwner().
	Owner string
	// Logger receives the wait indicator. Default: slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Owner == "" {
		o.Owner = idgen.LockOwner()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Owner is the metadata written into the marker file.
type Owner struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held lock. Release it exactly once; further calls are no-ops.
type Lock struct {
	path     string
	file     *os.File
	owner    Owner
	released bool
}

// Path returns the marker path.
func (l *Lock) Path() string { return l.path }

// Owner returns the metadata this holder wrote into the marker.
func (l *Lock) Owner() Owner { return l.owner }

// Acquire takes the lock at path according to opts.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts.defaults()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	waited := false
	start := time.Now()

	for {
		l, err := tryAcquire(path, opts.Owner)
		if err == nil {
			if waited {
				opts.Logger.Info("lockfile: acquired after wait",
					"path", path, "waited", time.Since(start).Round(time.Millisecond))
			}
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		holder, _ := ReadOwner(path)
		if opts.Mode == NonBlocking {
			return nil, fmt.Errorf("%w: %s (holder %s)", ErrLocked, path, holder.ID)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %v: %s (holder %s)", ErrTimeout, opts.Timeout, path, holder.ID)
		}
		if !waited {
			opts.Logger.Info("lockfile: waiting for lock",
				"path", path, "holder", holder.ID, "holder_pid", holder.PID)
			waited = true
		} else {
			opts.Logger.Debug("lockfile: still waiting", "path", path, "holder", holder.ID)
		}

		t := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release removes the marker and drops the lock. The marker is removed
// before the OS lock is dropped so no waiter can observe a free lock whose
// marker still exists.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	return errors.Join(rmErr, unlockErr, closeErr)
}

// ReadOwner reads the owner metadata of the marker at path.
// It returns os.ErrNotExist when the lock is free.
func ReadOwner(path string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if len(data) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("lockfile: decode owner: %w", err)
	}
	return o, nil
}

// Locked reports whether a live holder owns the lock at path. On unix a
// marker left by a crashed holder is not locked.
func Locked(path string) (bool, error) {
	return probe(path)
}

// Held reports whether a marker currently exists at path, live or stale.
func Held(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeOwner(f *os.File, id string) (Owner, error) {
	host, _ := os.Hostname()
	o := Owner{ID: id, PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(o)
	if err != nil {
		return o, err
	}
	if err := f.Truncate(0); err != nil {
		return o, fmt.Errorf("lockfile: truncate marker: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return o, fmt.Errorf("lockfile: write marker: %w", err)
	}
	return o, f.Sync()
}
