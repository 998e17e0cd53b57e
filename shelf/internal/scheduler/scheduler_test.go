package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errFatal = errors.New("fatal")

func TestRun_ContinuesAfterNonFatal(t *testing.T) {
	// WHAT: A failing cycle is logged and the loop keeps going.
	// WHY: Transient failures self-heal on the next cycle.
	var calls atomic.Int32
	s := New(func(ctx context.Context) (int, error) {
		if calls.Add(1)%2 == 1 {
			return 0, errors.New("lock busy")
		}
		return 2, nil
	}, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for calls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatal("loop stalled")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := s.Stats()
	if st.Cycles < 4 || st.Failures < 2 || st.Events < 4 {
		t.Errorf("stats: %+v", st)
	}
	if st.Running {
		t.Error("Running should be false after Run returns")
	}
}

func TestRun_FatalStops(t *testing.T) {
	var calls atomic.Int32
	s := New(func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, errFatal
	}, Config{Interval: time.Millisecond}, WithFatal(func(err error) bool { return errors.Is(err, errFatal) }))

	err := s.Run(context.Background())
	if !errors.Is(err, errFatal) {
		t.Fatalf("got %v, want fatal", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: %d", calls.Load())
	}
	if s.Stats().LastError != "fatal" {
		t.Errorf("last error: %q", s.Stats().LastError)
	}
}

func TestRunOnce_FatalEndsRunningLoop(t *testing.T) {
	// WHAT: A fatal error from an on-demand cycle stops the running loop.
	// WHY: A failed snapshot write ends the process however the cycle started.
	var fail atomic.Bool
	var calls atomic.Int32
	s := New(func(ctx context.Context) (int, error) {
		calls.Add(1)
		if fail.Load() {
			return 0, errFatal
		}
		return 0, nil
	}, Config{Interval: time.Hour}, WithFatal(func(err error) bool { return errors.Is(err, errFatal) }))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, func() bool { return calls.Load() == 1 })

	fail.Store(true)
	if err := s.RunOnce(context.Background()); !errors.Is(err, errFatal) {
		t.Fatalf("RunOnce: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, errFatal) {
			t.Fatalf("Run: got %v, want fatal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept running after a fatal on-demand cycle")
	}
}

func TestAbort_PendingEndsNextRun(t *testing.T) {
	// WHAT: Abort before Run makes Run return the error, keeping only the first.
	s := New(func(ctx context.Context) (int, error) { return 0, nil }, Config{Interval: time.Hour})
	s.Abort(errFatal)
	s.Abort(errors.New("second"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, errFatal) {
		t.Fatalf("Run: got %v, want the first aborted error", err)
	}
}

func TestRun_FirstCycleImmediateThenInterval(t *testing.T) {
	started := make(chan time.Time, 4)
	s := New(func(ctx context.Context) (int, error) {
		started <- time.Now()
		return 0, nil
	}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle should run immediately")
	}
	select {
	case <-started:
		t.Fatal("second cycle ran before the interval")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrigger_WakesLoop(t *testing.T) {
	var calls atomic.Int32
	s := New(func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return calls.Load() == 1 })
	if !s.Trigger() {
		t.Fatal("first trigger should be accepted")
	}
	waitFor(t, func() bool { return calls.Load() == 2 })
}

func TestTrigger_NonBlockingWhenPending(t *testing.T) {
	s := New(func(ctx context.Context) (int, error) { return 0, nil }, Config{})
	if !s.Trigger() {
		t.Fatal("first trigger should be accepted")
	}
	if s.Trigger() {
		t.Fatal("second trigger should be dropped while one is pending")
	}
}

func TestRunOnce_Serialised(t *testing.T) {
	// WHAT: Concurrent RunOnce calls never overlap.
	var inside, overlap atomic.Int32
	s := New(func(ctx context.Context) (int, error) {
		if inside.Add(1) > 1 {
			overlap.Store(1)
		}
		time.Sleep(10 * time.Millisecond)
		inside.Add(-1)
		return 0, nil
	}, Config{})

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			s.RunOnce(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	if overlap.Load() != 0 {
		t.Fatal("cycles overlapped")
	}
	if s.Stats().Cycles != 4 {
		t.Errorf("cycles: %d", s.Stats().Cycles)
	}
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := New(func(ctx context.Context) (int, error) { panic("boom") }, Config{})
	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("panic should become an error")
	}
}

func TestDigest_Periodic(t *testing.T) {
	var digests atomic.Int32
	s := New(func(ctx context.Context) (int, error) { return 0, nil },
		Config{Interval: time.Hour, DigestInterval: 10 * time.Millisecond, DigestOnStart: true},
		WithDigest(func(ctx context.Context) error {
			digests.Add(1)
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, func() bool { return digests.Load() >= 3 })
	cancel()
	<-done
	if s.Stats().Digests < 3 {
		t.Errorf("digests: %d", s.Stats().Digests)
	}
}

func TestDigest_DisabledByZeroInterval(t *testing.T) {
	var digests atomic.Int32
	s := New(func(ctx context.Context) (int, error) { return 0, nil },
		Config{Interval: time.Hour, DigestOnStart: true},
		WithDigest(func(ctx context.Context) error {
			digests.Add(1)
			return nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	if digests.Load() != 0 {
		t.Errorf("digest ran %d times with interval 0", digests.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
