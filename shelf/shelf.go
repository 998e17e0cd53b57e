// CLAUDE:SUMMARY Service orchestrator: builds store, telemetry, catalog client, channels, notifier, reconciler and scheduler; tracked-set sources; manager operations.
package shelf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/shelfwatch/channels"
	"github.com/hazyhaar/shelfwatch/shelf/internal/catalog"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/notify"
	"github.com/hazyhaar/shelfwatch/shelf/internal/reconcile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/scheduler"
	"github.com/hazyhaar/shelfwatch/shelf/internal/snapshot"
)

// ShelfLister lists the items of an OPAC shelf. *catalog.Client implements it.
type ShelfLister interface {
	Shelf(ctx context.Context, classID string) ([]item.Record, error)
}

// Service is the shelfwatch orchestrator.
type Service struct {
	config     *Config
	logger     *slog.Logger
	store      snapshot.Store
	fetcher    reconcile.Fetcher
	lister     ShelfLister
	dispatcher *channels.Dispatcher // nil when channels are injected
	source     notify.ChannelSource
	notifier   *notify.Notifier
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	telemetry  *telemetry // nil when telemetry is disabled
	now        func() time.Time
	closers    []io.Closer

	reloadDelay time.Duration

	opMu sync.Mutex // serialises cycles, Track and Untrack in this process

	mu     sync.RWMutex
	pinned []string
	last   *reconcile.Result
}

// Option configures a Service.
type Option func(*Service)

// WithStore replaces the configured snapshot store.
func WithStore(st snapshot.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithFetcher replaces the catalog client as item-state fetcher.
func WithFetcher(f reconcile.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithShelfLister replaces the catalog client as shelf source.
func WithShelfLister(l ShelfLister) Option {
	return func(s *Service) { s.lister = l }
}

// WithChannels replaces the configured channels. Hot reload then leaves
// channels untouched.
func WithChannels(src notify.ChannelSource) Option {
	return func(s *Service) { s.source = src }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service from cfg.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		config:      cfg,
		logger:      logger,
		now:         time.Now,
		reloadDelay: 250 * time.Millisecond,
		pinned:      cleanIDs(cfg.Source.Items),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.wire(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) wire() error {
	cfg := s.config

	if s.store == nil {
		sopts := snapshot.Options{LockPath: cfg.Store.LockPath, Lock: cfg.lockOptions(), Logger: s.logger}
		switch cfg.Store.Backend {
		case BackendSQLite:
			st, err := snapshot.OpenSQLiteStore(cfg.Store.Path, sopts)
			if err != nil {
				return fmt.Errorf("shelf: open store: %w", err)
			}
			s.store = st
			s.closers = append(s.closers, st)
		default:
			s.store = snapshot.NewFileStore(cfg.Store.Path, sopts)
		}
	}

	if err := s.openTelemetry(); err != nil {
		return err
	}

	if s.fetcher == nil || s.lister == nil {
		client, err := catalog.New(cfg.Catalog, catalog.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("shelf: catalog client: %w", err)
		}
		if s.fetcher == nil {
			s.fetcher = client
		}
		if s.lister == nil {
			s.lister = client
		}
	}

	if s.source == nil {
		d := channels.NewDispatcher(channels.WithLogger(s.logger))
		d.RegisterDefaults()
		s.dispatcher = d
		s.source = d
		s.closers = append(s.closers, d)
		if err := d.Reload(cfg.Notify.Channels); err != nil {
			return fmt.Errorf("shelf: channels: %w", err)
		}
	}

	s.notifier = notify.New(s.source, cfg.Notify.Config,
		notify.WithLogger(s.logger), notify.WithClock(s.now))

	s.reconciler = reconcile.New(s.fetcher, s.store, s.notifier, reconcile.Config{
		FetchTimeout:    cfg.Check.FetchTimeout,
		MaxConcurrent:   cfg.Check.MaxConcurrent,
		Retain:          cfg.Source.Kind == SourcePinned,
		SuppressRemoved: cfg.Check.SuppressRemoved,
	}, reconcile.WithLogger(s.logger), reconcile.WithClock(s.now))

	s.scheduler = scheduler.New(s.scheduledCycle, scheduler.Config{
		Interval:       cfg.Check.Interval,
		DigestInterval: cfg.digestInterval(),
		DigestOnStart:  cfg.Check.DigestOnStart,
	},
		scheduler.WithLogger(s.logger),
		scheduler.WithDigest(s.scheduledDigest),
		scheduler.WithFatal(func(err error) bool { return errors.Is(err, reconcile.ErrPersist) }),
	)
	return nil
}

// Run drives cycles until ctx is done. It returns an error wrapping
// ErrPersist when the snapshot could not be written.
func (s *Service) Run(ctx context.Context) error {
	return s.scheduler.Run(ctx)
}

// Trigger wakes a running loop for an immediate cycle. It reports false when
// a wake-up is already pending.
func (s *Service) Trigger() bool {
	return s.scheduler.Trigger()
}

type resultSink struct{ res *reconcile.Result }

type sinkKey struct{}

// CheckNow runs one cycle immediately, after any cycle in progress.
func (s *Service) CheckNow(ctx context.Context) (*Result, error) {
	sink := &resultSink{}
	err := s.scheduler.RunOnce(context.WithValue(ctx, sinkKey{}, sink))
	return sink.res, err
}

func (s *Service) scheduledCycle(ctx context.Context) (int, error) {
	res, err := s.cycle(ctx)
	if sink, ok := ctx.Value(sinkKey{}).(*resultSink); ok {
		sink.res = res
	}
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			s.logger.Info("shelf: cycle skipped, snapshot locked", "error", err)
		}
		return 0, err
	}
	return len(res.Events), nil
}

// escalate hands a persistence failure of an on-demand operation to the
// loop, which then stops like it does for its own cycles.
func (s *Service) escalate(err error) error {
	if errors.Is(err, reconcile.ErrPersist) {
		s.scheduler.Abort(err)
	}
	return err
}

func (s *Service) scheduledDigest(ctx context.Context) error {
	outcomes, err := s.SendStatus(ctx)
	if err != nil {
		return err
	}
	return outcomeErrors(outcomes)
}

func (s *Service) cycle(ctx context.Context, extra ...item.Record) (*reconcile.Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	seeds, err := s.seeds(ctx)
	if err != nil {
		return nil, err
	}
	seeds = append(seeds, extra...)
	res, err := s.reconciler.Reconcile(ctx, seeds)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	s.recordCycle(ctx, res)
	return res, nil
}

// seeds returns the items of interest for a cycle. In pinned mode the
// reconciler adds everything already tracked.
func (s *Service) seeds(ctx context.Context) ([]item.Record, error) {
	if s.config.Source.Kind == SourceShelf {
		recs, err := s.lister.Shelf(ctx, s.config.Source.Shelf)
		if err != nil {
			return nil, fmt.Errorf("shelf: list shelf %s: %w", s.config.Source.Shelf, err)
		}
		return recs, nil
	}

	s.mu.RLock()
	pinned := append([]string(nil), s.pinned...)
	s.mu.RUnlock()
	if len(pinned) == 0 {
		return nil, nil
	}
	// Known items keep their metadata so the detail page is not re-read.
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("shelf: peek snapshot", "error", err)
		snap = item.Snapshot{}
	}
	seeds := make([]item.Record, 0, len(pinned))
	for _, marc := range pinned {
		if rec, ok := snap.Get(marc); ok {
			seeds = append(seeds, rec)
			continue
		}
		seeds = append(seeds, item.Record{ID: marc, MarcNo: marc})
	}
	return seeds, nil
}

// Items returns the current snapshot.
func (s *Service) Items(ctx context.Context) (item.Snapshot, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("shelf: load snapshot: %w", err)
	}
	return snap, nil
}

// TrackResult reports a Track call per MARC number.
type TrackResult struct {
	Tracked  []item.Record `json:"tracked"`
	NotFound []string      `json:"not_found,omitempty"`
	Failed   []string      `json:"failed,omitempty"`
	Cycle    *Result       `json:"cycle"`
}

// Track starts tracking the given MARC numbers through a normal locked
// cycle. Items the catalog does not know are listed in NotFound, items
// whose fetch failed in Failed.
func (s *Service) Track(ctx context.Context, marcs ...string) (*TrackResult, error) {
	if s.config.Source.Kind == SourceShelf {
		return nil, ErrShelfManaged
	}
	marcs = cleanIDs(marcs)
	if len(marcs) == 0 {
		return nil, fmt.Errorf("%w: no marc number given", ErrInvalidInput)
	}
	extra := make([]item.Record, len(marcs))
	for i, m := range marcs {
		extra[i] = item.Record{ID: m, MarcNo: m}
	}

	res, err := s.cycle(ctx, extra...)
	if err != nil {
		return nil, s.escalate(err)
	}
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("shelf: load snapshot: %w", err)
	}

	failed := make(map[string]bool, len(res.Failed))
	for _, id := range res.Failed {
		failed[id] = true
	}
	out := &TrackResult{Cycle: res}
	for _, m := range marcs {
		switch rec, ok := snap.Get(m); {
		case ok:
			out.Tracked = append(out.Tracked, rec)
		case failed[m]:
			out.Failed = append(out.Failed, m)
		default:
			out.NotFound = append(out.NotFound, m)
		}
	}
	s.logger.Info("shelf: track", "tracked", len(out.Tracked), "not_found", len(out.NotFound), "failed", len(out.Failed))
	return out, nil
}

// Untrack removes items from the snapshot under the lock. Identifiers not
// tracked are reported with ErrNotTracked; the others are still removed.
func (s *Service) Untrack(ctx context.Context, ids ...string) ([]item.Record, error) {
	if s.config.Source.Kind == SourceShelf {
		return nil, ErrShelfManaged
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no identifier given", ErrInvalidInput)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var missing []string
	removed, err := snapshot.WithLock(ctx, s.store, func() ([]item.Record, error) {
		lctx := context.WithoutCancel(ctx)
		snap, err := s.store.Load(lctx)
		if err != nil {
			return nil, fmt.Errorf("shelf: load snapshot: %w", err)
		}
		var removed []item.Record
		for _, id := range ids {
			rec, ok := snap.Get(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			snap.Delete(id)
			removed = append(removed, rec)
		}
		if len(removed) == 0 {
			return nil, nil
		}
		if err := s.store.Save(lctx, snap); err != nil {
			return nil, fmt.Errorf("%w: %w", reconcile.ErrPersist, err)
		}
		return removed, nil
	})
	if err != nil {
		return nil, s.escalate(err)
	}

	s.mu.RLock()
	for _, rec := range removed {
		for _, p := range s.pinned {
			if p == rec.ID {
				s.logger.Warn("shelf: untracked item is pinned in config and returns next cycle", "id", rec.ID)
			}
		}
	}
	s.mu.RUnlock()

	if len(removed) > 0 && !s.config.Check.SuppressRemoved {
		events := make([]notify.Event, len(removed))
		for i, rec := range removed {
			events[i] = notify.Event{Item: rec, Reason: notify.ReasonStopped}
		}
		s.notifier.Collect(events...)
		s.notifier.Flush(ctx)
	}
	s.logger.Info("shelf: untrack", "removed", len(removed), "missing", len(missing))

	if len(missing) > 0 {
		return removed, fmt.Errorf("%w: %s", ErrNotTracked, strings.Join(missing, ", "))
	}
	return removed, nil
}

// SendStatus sends the state of every tracked item to every channel.
func (s *Service) SendStatus(ctx context.Context) ([]Outcome, error) {
	snap, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	return s.notifier.SendStatus(ctx, snap), nil
}

// LockStatus describes the snapshot lock. Held is true only while a live
// holder owns it; Stale marks a marker left behind by a crashed holder.
type LockStatus struct {
	Path  string     `json:"path"`
	Held  bool       `json:"held"`
	Stale bool       `json:"stale,omitempty"`
	Owner *LockOwner `json:"owner,omitempty"`
}

// StatusReport is a point-in-time view of the service.
type StatusReport struct {
	Source    string         `json:"source"`
	Backend   string         `json:"backend"`
	Tracked   int            `json:"tracked"`
	Available int            `json:"available"`
	Digest    string         `json:"digest"`
	Channels  []string       `json:"channels"`
	Lock      LockStatus     `json:"lock"`
	Telemetry string         `json:"telemetry,omitempty"`
	Scheduler SchedulerStats `json:"scheduler"`
	LastCycle *Result        `json:"last_cycle,omitempty"`
}

// Status reports the snapshot, lock, channels and scheduler counters.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	snap, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{
		Source:    s.config.Source.Kind,
		Backend:   s.config.Store.Backend,
		Tracked:   len(snap),
		Digest:    snap.Digest(),
		Channels:  []string{},
		Scheduler: s.scheduler.Stats(),
	}
	for _, r := range snap {
		if r.Available {
			rep.Available++
		}
	}
	for _, ch := range s.source.Channels() {
		rep.Channels = append(rep.Channels, ch.Name())
	}

	if s.telemetry != nil {
		rep.Telemetry = s.config.Telemetry.Path
	}

	rep.Lock.Path = s.lockPath()
	held, err := lockfile.Locked(rep.Lock.Path)
	if err != nil {
		s.logger.Warn("shelf: probe lock", "path", rep.Lock.Path, "error", err)
		held = lockfile.Held(rep.Lock.Path)
	}
	rep.Lock.Held = held
	if owner, err := lockfile.ReadOwner(rep.Lock.Path); err == nil {
		rep.Lock.Owner = &owner
		rep.Lock.Stale = !held
	}

	s.mu.RLock()
	rep.LastCycle = s.last
	s.mu.RUnlock()
	return rep, nil
}

func (s *Service) lockPath() string {
	if lp, ok := s.store.(interface{ LockPath() string }); ok {
		return lp.LockPath()
	}
	return s.config.Store.LockPath
}

// Close releases the store, telemetry and channels.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func outcomeErrors(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
