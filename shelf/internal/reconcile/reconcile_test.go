package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/shelfwatch/channels"
	"github.com/hazyhaar/shelfwatch/shelf/internal/catalog"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/notify"
	"github.com/hazyhaar/shelfwatch/shelf/internal/snapshot"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeCatalog answers fetches from a mutable availability table.
type fakeCatalog struct {
	mu    sync.Mutex
	state map[string]bool
	fail  map[string]error
	hang  map[string]bool
	calls atomic.Int32
}

func newFakeCatalog(state map[string]bool) *fakeCatalog {
	return &fakeCatalog{state: state, fail: map[string]error{}, hang: map[string]bool{}}
}

func (f *fakeCatalog) set(id string, available bool) {
	f.mu.Lock()
	f.state[id] = available
	f.mu.Unlock()
}

func (f *fakeCatalog) Fetch(ctx context.Context, seed item.Record) (item.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	available, ok := f.state[seed.ID]
	err := f.fail[seed.ID]
	hang := f.hang[seed.ID]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return item.Record{}, ctx.Err()
	}
	if err != nil {
		return item.Record{}, err
	}
	if !ok {
		return item.Record{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, seed.ID)
	}
	rec := seed
	if rec.Title == "" {
		rec.Title = "Title of " + seed.ID
	}
	rec.Available = available
	return rec, nil
}

type capture struct {
	mu      sync.Mutex
	batches []channels.Batch
}

func (c *capture) Name() string     { return "capture" }
func (c *capture) Platform() string { return "test" }
func (c *capture) Send(ctx context.Context, b channels.Batch) error {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type harness struct {
	store   *snapshot.FileStore
	catalog *fakeCatalog
	sink    *capture
	rec     *Reconciler
}

func newHarness(t *testing.T, state map[string]bool, cfg Config) *harness {
	t.Helper()
	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "book.json"), snapshot.Options{
		Lock: lockfile.Options{Mode: lockfile.NonBlocking},
	})
	cat := newFakeCatalog(state)
	sink := &capture{}
	n := notify.New(channels.List{sink}, notify.Config{})
	return &harness{store: store, catalog: cat, sink: sink, rec: New(cat, store, n, cfg)}
}

func seeds(ids ...string) []item.Record {
	out := make([]item.Record, len(ids))
	for i, id := range ids {
		out[i] = item.Record{ID: id}
	}
	return out
}

func (h *harness) load(t *testing.T) item.Snapshot {
	t.Helper()
	snap, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return snap
}

func (h *harness) assertNoMarker(t *testing.T) {
	t.Helper()
	if lockfile.Held(h.store.LockPath()) {
		t.Fatal("lock marker left behind")
	}
}

func (h *harness) seed(t *testing.T, recs ...item.Record) {
	t.Helper()
	snap := item.Snapshot{}
	for _, r := range recs {
		snap.Put(r)
	}
	if err := h.store.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Cycles
// ---------------------------------------------------------------------------

func TestReconcile_FirstRunTracksEverything(t *testing.T) {
	// WHAT: Empty snapshot, three available items -> three "began tracking".
	h := newHarness(t, map[string]bool{"A": true, "B": true, "C": true}, Config{})

	res, err := h.rec.Reconcile(context.Background(), seeds("A", "B", "C"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Added != 3 || len(res.Events) != 3 {
		t.Fatalf("added %d events %d", res.Added, len(res.Events))
	}
	for i, id := range []string{"A", "B", "C"} {
		if res.Events[i].Item.ID != id || res.Events[i].Reason != notify.ReasonBegan {
			t.Errorf("event %d: %+v", i, res.Events[i])
		}
	}
	snap := h.load(t)
	if len(snap) != 3 || !snap["B"].Available || snap["B"].ChangedAt.IsZero() {
		t.Errorf("snapshot: %+v", snap)
	}
	if h.sink.count() != 1 || h.sink.batches[0].Count != 3 {
		t.Errorf("want one batch of 3, got %d batches", h.sink.count())
	}
	h.assertNoMarker(t)
}

func TestReconcile_StateFlip(t *testing.T) {
	h := newHarness(t, map[string]bool{"X": false}, Config{})
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.seed(t, item.Record{ID: "X", Title: "Title of X", Available: true, ChangedAt: old})

	res, err := h.rec.Reconcile(context.Background(), seeds("X"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || len(res.Events) != 1 {
		t.Fatalf("changed %d events %d", res.Changed, len(res.Events))
	}
	ev := res.Events[0]
	if ev.Reason != notify.ReasonStateChanged || ev.Item.Available {
		t.Errorf("event: %+v", ev)
	}
	got := h.load(t)["X"]
	if got.Available || !got.ChangedAt.After(old) {
		t.Errorf("snapshot not updated: %+v", got)
	}
	h.assertNoMarker(t)
}

func TestReconcile_RemovalPolicy(t *testing.T) {
	for _, suppress := range []bool{false, true} {
		t.Run(fmt.Sprintf("suppress=%v", suppress), func(t *testing.T) {
			h := newHarness(t, map[string]bool{"X": true, "Y": true}, Config{SuppressRemoved: suppress})
			h.seed(t, item.Record{ID: "X", Available: true}, item.Record{ID: "Y", Available: true})

			res, err := h.rec.Reconcile(context.Background(), seeds("X"))
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := h.load(t)["Y"]; ok {
				t.Fatal("Y should be dropped")
			}
			if res.Removed != 1 {
				t.Errorf("removed: %d", res.Removed)
			}
			wantEvents := 1
			if suppress {
				wantEvents = 0
			}
			if len(res.Events) != wantEvents {
				t.Fatalf("events: %+v", res.Events)
			}
			if !suppress && (res.Events[0].Item.ID != "Y" || res.Events[0].Reason != notify.ReasonStopped) {
				t.Errorf("event: %+v", res.Events[0])
			}
		})
	}
}

func TestReconcile_TimeoutLeavesItemUntouched(t *testing.T) {
	// WHAT: A hanging fetch becomes a per-item failure bounded by FetchTimeout.
	// WHY: One slow catalog page must not stall or fail the whole cycle.
	h := newHarness(t, map[string]bool{"A": false, "Z": false}, Config{FetchTimeout: 50 * time.Millisecond})
	zPrev := item.Record{ID: "Z", Title: "Zed", Available: true}
	h.seed(t, item.Record{ID: "A", Available: true}, zPrev)
	h.catalog.hang["Z"] = true

	start := time.Now()
	res, err := h.rec.Reconcile(context.Background(), seeds("A", "Z"))
	if err != nil {
		t.Fatalf("cycle should not fail: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout not applied")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "Z" {
		t.Errorf("failed: %v", res.Failed)
	}
	if res.Changed != 1 || res.Events[0].Item.ID != "A" {
		t.Errorf("A should still be diffed: %+v", res)
	}
	if got := h.load(t)["Z"]; got != zPrev {
		t.Errorf("Z changed: %+v", got)
	}
}

// gatedStore blocks inside Save until released, holding the lock.
type gatedStore struct {
	*snapshot.FileStore
	entered chan struct{}
	release chan struct{}
	saves   atomic.Int32
}

func (g *gatedStore) Save(ctx context.Context, snap item.Snapshot) error {
	if g.saves.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.FileStore.Save(ctx, snap)
}

func TestReconcile_ConcurrentNonBlocking(t *testing.T) {
	// WHAT: Two concurrent non-blocking cycles: one proceeds, the other fails
	// fast with ErrLocked and mutates nothing.
	h := newHarness(t, map[string]bool{"A": true}, Config{})
	gs := &gatedStore{FileStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	first := New(h.catalog, gs, nil, Config{})
	second := New(h.catalog, gs, nil, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := first.Reconcile(context.Background(), seeds("A"))
		done <- err
	}()
	<-gs.entered

	_, err := second.Reconcile(context.Background(), seeds("A"))
	if !errors.Is(err, lockfile.ErrLocked) {
		t.Fatalf("second cycle: got %v, want ErrLocked", err)
	}

	close(gs.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if n := gs.saves.Load(); n != 1 {
		t.Errorf("saves: %d, want 1", n)
	}
	if len(h.load(t)) != 1 {
		t.Error("first cycle's write missing")
	}
	h.assertNoMarker(t)
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

func TestReconcile_IdempotentSecondRun(t *testing.T) {
	h := newHarness(t, map[string]bool{"A": true, "B": false}, Config{})
	ctx := context.Background()

	if _, err := h.rec.Reconcile(ctx, seeds("A", "B")); err != nil {
		t.Fatal(err)
	}
	before := h.load(t)

	res, err := h.rec.Reconcile(ctx, seeds("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 0 || res.Unchanged != 2 || res.Saved {
		t.Errorf("second run: %+v", res)
	}
	if h.load(t).Digest() != before.Digest() {
		t.Error("unchanged items must keep their snapshot entry")
	}
	if h.sink.count() != 1 {
		t.Errorf("second run must not notify, batches %d", h.sink.count())
	}
}

func TestReconcile_MixedCycleOrdering(t *testing.T) {
	// WHAT: Events follow fetch order, then removals sorted by identifier.
	h := newHarness(t, map[string]bool{"N": true, "K": false}, Config{})
	h.seed(t,
		item.Record{ID: "K", Available: true},
		item.Record{ID: "R2", Available: true},
		item.Record{ID: "R1", Available: false},
	)

	res, err := h.rec.Reconcile(context.Background(), seeds("N", "K"))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range res.Events {
		got = append(got, e.Item.ID+":"+string(e.Reason))
	}
	want := []string{"N:began tracking", "K:", "R1:stopped tracking", "R2:stopped tracking"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
}

func TestReconcile_GoneAndFailed(t *testing.T) {
	h := newHarness(t, map[string]bool{"A": true}, Config{})
	h.seed(t, item.Record{ID: "A", Available: true}, item.Record{ID: "G", Available: true},
		item.Record{ID: "F", Available: true})
	h.catalog.fail["F"] = errors.New("connection reset")

	res, err := h.rec.Reconcile(context.Background(), seeds("A", "G", "F"))
	if err != nil {
		t.Fatal(err)
	}
	snap := h.load(t)
	if _, ok := snap["G"]; ok {
		t.Error("gone item should be removed")
	}
	if _, ok := snap["F"]; !ok {
		t.Error("failed item should be kept")
	}
	if res.Removed != 1 || len(res.Failed) != 1 {
		t.Errorf("result: %+v", res)
	}
}

func TestReconcile_RetainKeepsTrackedItems(t *testing.T) {
	// WHAT: In retain mode previously tracked items are refetched and kept
	// even when absent from the supplied seeds.
	// WHY: Pinned items have no external list; the snapshot is the list.
	h := newHarness(t, map[string]bool{"P1": false, "P2": true}, Config{Retain: true})
	h.seed(t, item.Record{ID: "P1", Title: "One", Available: true}, item.Record{ID: "OLD", Available: true})

	res, err := h.rec.Reconcile(context.Background(), seeds("P2"))
	if err != nil {
		t.Fatal(err)
	}
	snap := h.load(t)
	if snap["P1"].Available {
		t.Error("P1 should have been refetched and flipped")
	}
	if _, ok := snap["P2"]; !ok {
		t.Error("P2 should be added")
	}
	if _, ok := snap["OLD"]; ok {
		t.Error("OLD is gone from the catalog and should be removed")
	}
	if res.Added != 1 || res.Changed != 1 || res.Removed != 1 {
		t.Errorf("result: %+v", res)
	}
}

// failingStore refuses every Save.
type failingStore struct{ *snapshot.FileStore }

func (failingStore) Save(context.Context, item.Snapshot) error { return errors.New("disk full") }

func TestReconcile_PersistFailureIsFatalAndReleasesLock(t *testing.T) {
	h := newHarness(t, map[string]bool{"A": true}, Config{})
	r := New(h.catalog, failingStore{h.store}, nil, Config{})

	_, err := r.Reconcile(context.Background(), seeds("A"))
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("got %v, want ErrPersist", err)
	}
	h.assertNoMarker(t)
}

func TestReconcile_CancelledContext(t *testing.T) {
	h := newHarness(t, map[string]bool{"A": true}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.rec.Reconcile(ctx, seeds("A")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if len(h.load(t)) != 0 {
		t.Error("cancelled cycle must not write")
	}
	h.assertNoMarker(t)
}

func TestReconcile_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	f := FetcherFunc(func(ctx context.Context, seed item.Record) (item.Record, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		seed.Available = true
		return seed, nil
	})
	h := newHarness(t, nil, Config{})
	r := New(f, h.store, nil, Config{MaxConcurrent: 2})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("I%02d", i)
	}
	res, err := r.Reconcile(context.Background(), seeds(ids...))
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 10 {
		t.Errorf("added: %d", res.Added)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds cap", peak.Load())
	}
}

func TestReconcile_DuplicateAndEmptySeeds(t *testing.T) {
	h := newHarness(t, map[string]bool{"A": true}, Config{})
	res, err := h.rec.Reconcile(context.Background(), []item.Record{{ID: "A"}, {ID: "A"}, {}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || h.catalog.calls.Load() != 1 {
		t.Errorf("added %d, fetches %d", res.Added, h.catalog.calls.Load())
	}
}

// sharedStore hands out the same snapshot map on every Load.
type sharedStore struct {
	*snapshot.FileStore
	snap item.Snapshot
}

func (s *sharedStore) Load(context.Context) (item.Snapshot, error) { return s.snap, nil }

func (s *sharedStore) Save(context.Context, item.Snapshot) error { return nil }

func TestReconcile_LeavesLoadedSnapshotUntouched(t *testing.T) {
	// WHAT: The cycle diffs against the loaded snapshot and writes a copy.
	// WHY: Stores may cache what Load returns; a failed cycle must not alter it.
	h := newHarness(t, map[string]bool{"A": false, "B": true}, Config{})
	shared := &sharedStore{FileStore: h.store, snap: item.Snapshot{
		"A": {ID: "A", Available: true},
		"C": {ID: "C", Available: true},
	}}
	r := New(h.catalog, shared, nil, Config{})

	res, err := r.Reconcile(context.Background(), seeds("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Changed != 1 || res.Removed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(shared.snap) != 2 || !shared.snap["A"].Available {
		t.Fatalf("loaded snapshot was modified: %+v", shared.snap)
	}
	if _, ok := shared.snap["B"]; ok {
		t.Fatal("new item written into the loaded snapshot")
	}
}
