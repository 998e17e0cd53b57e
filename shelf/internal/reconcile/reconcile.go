// CLAUDE:SUMMARY One check cycle: concurrent bounded fetch, lock-protected diff and save of the snapshot, then batched notification.
// Package reconcile runs one check cycle: fetch the current state of every
// item of interest concurrently, diff it against the stored snapshot under
// the cross-process lock, persist the result and hand the change events to
// the notifier.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/shelfwatch/idgen"
	"github.com/hazyhaar/shelfwatch/shelf/internal/catalog"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/notify"
	"github.com/hazyhaar/shelfwatch/shelf/internal/snapshot"
)

// ErrPersist wraps snapshot write failures. It is fatal: continuing would
// risk losing track of state.
var ErrPersist = errors.New("reconcile: persist snapshot")

// Fetcher returns the current record of a tracked item. A returned error
// wrapping catalog.ErrNotFound means the item no longer exists.
type Fetcher interface {
	Fetch(ctx context.Context, seed item.Record) (item.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, seed item.Record) (item.Record, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, seed item.Record) (item.Record, error) {
	return f(ctx, seed)
}

// Collector receives the events of a cycle. *notify.Notifier implements it.
type Collector interface {
	Collect(events ...notify.Event)
	Flush(ctx context.Context) []notify.Outcome
}

// Config tunes a Reconciler.
type Config struct {
	// FetchTimeout bounds each item fetch. Default: 30s.
	FetchTimeout time.Duration
	// MaxConcurrent caps concurrent fetches. Default: 8.
	MaxConcurrent int
	// Retain keeps previously tracked items in the set of interest, so an
	// item leaves the snapshot only when the catalog reports it gone.
	Retain bool
	// SuppressRemoved drops "stopped tracking" events. Removed items still
	// leave the snapshot.
	SuppressRemoved bool
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
}

// FetchStatus classifies one fetch.
type FetchStatus int

const (
	FetchOK     FetchStatus = iota // current state observed
	FetchGone                      // catalog reports the item no longer exists
	FetchFailed                    // unknown this cycle; prior entry kept
)

// String returns "ok", "gone" or "failed".
func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchGone:
		return "gone"
	}
	return "failed"
}

type fetched struct {
	seed   item.Record
	record item.Record
	status FetchStatus
	err    error
}

// Result summarises one cycle.
type Result struct {
	CycleID   string           `json:"cycle_id"`
	Events    []notify.Event   `json:"events"`
	Added     int              `json:"added"`
	Changed   int              `json:"changed"`
	Removed   int              `json:"removed"`
	Unchanged int              `json:"unchanged"`
	Failed    []string         `json:"failed,omitempty"`
	Saved     bool             `json:"saved"`
	Tracked   int              `json:"tracked"`
	Notified  []notify.Outcome `json:"notified,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// Reconciler runs check cycles. A Reconciler may be shared; the store lock
// serialises the diff-and-write sections.
type Reconciler struct {
	fetcher  Fetcher
	store    snapshot.Store
	notifier Collector
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides time.Now for ChangedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. notifier may be nil, in which case events are
// only returned in the Result.
func New(f Fetcher, store snapshot.Store, notifier Collector, cfg Config, opts ...Option) *Reconciler {
	cfg.defaults()
	r := &Reconciler{
		fetcher:  f,
		store:    store,
		notifier: notifier,
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile runs one cycle over seeds, the items currently of interest.
//
// Fetch failures are per item and never fail the cycle. Lock contention,
// lock wait timeout and snapshot read errors fail the cycle without side
// effects. A snapshot write failure returns an error wrapping ErrPersist.
func (r *Reconciler) Reconcile(ctx context.Context, seeds []item.Record) (*Result, error) {
	start := time.Now()
	res := &Result{CycleID: idgen.Cycle()}
	log := r.logger.With("cycle", res.CycleID)

	interest := dedupe(seeds)
	if r.config.Retain {
		interest = r.withTracked(ctx, log, interest)
	}

	results, err := r.fetchAll(ctx, interest)
	if err != nil {
		return nil, err
	}
	for _, f := range results {
		if f.status == FetchFailed {
			res.Failed = append(res.Failed, f.seed.ID)
			log.Warn("reconcile: fetch failed", "id", f.seed.ID, "error", f.err)
		}
	}

	// The locked section runs to completion once entered.
	_, err = snapshot.WithLock(ctx, r.store, func() (struct{}, error) {
		return struct{}{}, r.apply(context.WithoutCancel(ctx), log, results, res)
	})
	if err != nil {
		return nil, err
	}

	if r.notifier != nil {
		r.notifier.Collect(res.Events...)
		res.Notified = r.notifier.Flush(ctx)
	}

	res.Duration = time.Since(start)
	log.Info("reconcile: cycle done",
		"fetched", len(results),
		"added", res.Added,
		"changed", res.Changed,
		"removed", res.Removed,
		"unchanged", res.Unchanged,
		"failed", len(res.Failed),
		"events", len(res.Events),
		"tracked", res.Tracked,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// withTracked appends the records already in the snapshot to the set of
// interest. The snapshot is peeked without the lock; the authoritative diff
// happens under it.
func (r *Reconciler) withTracked(ctx context.Context, log *slog.Logger, interest []item.Record) []item.Record {
	snap, err := r.store.Load(ctx)
	if err != nil {
		log.Warn("reconcile: peek snapshot", "error", err)
		return interest
	}
	seen := make(map[string]bool, len(interest))
	for _, s := range interest {
		seen[s.ID] = true
	}
	for _, rec := range snap.Records() {
		if !seen[rec.ID] {
			interest = append(interest, rec)
		}
	}
	return interest
}

func (r *Reconciler) fetchAll(ctx context.Context, seeds []item.Record) ([]fetched, error) {
	results := make([]fetched, len(seeds))
	var g errgroup.Group
	g.SetLimit(r.config.MaxConcurrent)
	for i, seed := range seeds {
		g.Go(func() error {
			results[i] = r.fetchOne(ctx, seed)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: cycle cancelled: %w", err)
	}
	return results, nil
}

func (r *Reconciler) fetchOne(ctx context.Context, seed item.Record) (f fetched) {
	f.seed = seed
	defer func() {
		if p := recover(); p != nil {
			f.status = FetchFailed
			f.err = fmt.Errorf("fetcher panicked: %v", p)
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	rec, err := r.fetcher.Fetch(fctx, seed)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		f.status = FetchGone
	case err != nil:
		f.status = FetchFailed
		f.err = err
	default:
		// Identity belongs to the seed, whatever the fetcher returned.
		if !rec.SameItem(seed) {
			rec.ID = seed.ID
		}
		f.record = rec
		f.status = FetchOK
	}
	return f
}

// apply diffs results against the stored snapshot and saves the updated
// copy when anything changed. Runs under the store lock.
func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, results []fetched, res *Result) error {
	prior, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load snapshot: %w", err)
	}
	snap := prior.Clone()
	now := r.now()
	dirty := false

	observed := make(map[string]bool, len(results))
	failed := make(map[string]bool)
	gone := make(map[string]bool)

	for _, f := range results {
		id := f.seed.ID
		switch f.status {
		case FetchFailed:
			failed[id] = true
			continue
		case FetchGone:
			gone[id] = true
			continue
		}
		observed[id] = true

		prev, exists := prior.Get(id)
		switch {
		case !exists:
			rec := f.record
			rec.ChangedAt = now
			snap.Put(rec)
			res.Added++
			res.Events = append(res.Events, notify.Event{Item: rec, Reason: notify.ReasonBegan})
			log.Info("reconcile: began tracking", "id", id, "item", rec.String())
			dirty = true
		case prev.Available != f.record.Available:
			rec := f.record
			rec.ChangedAt = now
			snap.Put(rec)
			res.Changed++
			res.Events = append(res.Events, notify.Event{Item: rec})
			log.Info("reconcile: state changed", "id", id, "item", rec.String())
			dirty = true
		default:
			res.Unchanged++
		}
	}

	for _, id := range prior.Keys() {
		if observed[id] || failed[id] {
			continue
		}
		if r.config.Retain && !gone[id] {
			continue
		}
		prev, _ := prior.Get(id)
		snap.Delete(id)
		res.Removed++
		log.Info("reconcile: stopped tracking", "id", id, "item", prev.String())
		if !r.config.SuppressRemoved {
			res.Events = append(res.Events, notify.Event{Item: prev, Reason: notify.ReasonStopped})
		}
		dirty = true
	}

	res.Tracked = len(snap)
	if !dirty {
		return nil
	}
	if err := r.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	res.Saved = true
	return nil
}

// dedupe drops seeds without an identifier and repeated identifiers,
// keeping the first occurrence.
func dedupe(seeds []item.Record) []item.Record {
	out := make([]item.Record, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}
