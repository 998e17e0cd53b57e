// CLAUDE:SUMMARY Fixed-interval cycle loop with on-demand trigger, periodic status digest, fatal-error exit, and atomic stats.
// Package scheduler drives check cycles on a fixed interval. Cycles never
// overlap within a process. A non-fatal cycle error is logged and the loop
// sleeps as usual; a fatal one ends Run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CycleFunc runs one check cycle and reports how many events it produced.
type CycleFunc func(ctx context.Context) (events int, err error)

// DigestFunc sends the periodic status digest.
type DigestFunc func(ctx context.Context) error

// Config configures the scheduler.
type Config struct {
	// Interval is the sleep between the end of a cycle and the start of the
	// next. Default: 1 hour.
	Interval time.Duration
	// DigestInterval is the period of the status digest. 0 disables it.
	DigestInterval time.Duration
	// DigestOnStart sends a digest as soon as Run starts.
	DigestOnStart bool
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Cycles       int64         `json:"cycles"`
	Failures     int64         `json:"failures"`
	Events       int64         `json:"events"`
	Digests      int64         `json:"digests"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitzero"`
	Running      bool          `json:"running"`
}

// Scheduler runs cycles. Safe for concurrent use.
type Scheduler struct {
	cycle   CycleFunc
	digest  DigestFunc
	isFatal func(error) bool
	config  Config
	logger  *slog.Logger

	cycleMu sync.Mutex
	trigger chan struct{}
	abort   chan error

	cycles   atomic.Int64
	failures atomic.Int64
	events   atomic.Int64
	digests  atomic.Int64
	running  atomic.Bool

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastError    string
	nextRun      time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDigest enables the periodic status digest.
func WithDigest(fn DigestFunc) Option {
	return func(s *Scheduler) { s.digest = fn }
}

// WithFatal sets the predicate selecting errors that end Run.
func WithFatal(fn func(error) bool) Option {
	return func(s *Scheduler) { s.isFatal = fn }
}

// New creates a Scheduler around cycle.
func New(cycle CycleFunc, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cycle:   cycle,
		isFatal: func(error) bool { return false },
		config:  cfg,
		logger:  slog.Default(),
		trigger: make(chan struct{}, 1),
		abort:   make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run runs a cycle immediately, then one cycle per interval, until ctx is
// done (nil is returned) or a cycle fails fatally (the error is returned).
// A fatal error passed to Abort, or returned by an on-demand RunOnce, also
// ends Run.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.digest != nil && s.config.DigestInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.digestLoop(ctx)
		}()
	}
	defer wg.Wait()

	s.logger.Info("scheduler: started",
		"interval", s.config.Interval, "digest_interval", s.config.DigestInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return nil
		case err := <-s.abort:
			s.logger.Error("scheduler: fatal error outside the loop, stopping", "error", err)
			return err
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := s.runOnce(ctx); err != nil && s.isFatal(err) {
			s.logger.Error("scheduler: fatal cycle error, stopping", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		timer.Reset(s.config.Interval)
		s.mu.Lock()
		s.nextRun = time.Now().Add(s.config.Interval)
		s.mu.Unlock()
	}
}

// RunOnce runs one cycle now, waiting for any cycle in progress, and
// records it in the stats. A fatal error is also handed to Abort.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	err := s.runOnce(ctx)
	if err != nil && s.isFatal(err) {
		s.Abort(err)
	}
	return err
}

// Abort ends a running loop with err. Without a running loop, the next Run
// returns err at once. Only the first pending error is kept.
func (s *Scheduler) Abort(err error) {
	select {
	case s.abort <- err:
	default:
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	var events int
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("scheduler: cycle panicked: %v", r)
			}
		}()
		events, err = s.cycle(ctx)
	}()
	dur := time.Since(start)

	s.cycles.Add(1)
	s.events.Add(int64(events))
	s.mu.Lock()
	s.lastRun = start
	s.lastDuration = dur
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("scheduler: cycle failed", "error", err, "duration", dur.Round(time.Millisecond))
		return err
	}
	s.logger.Debug("scheduler: cycle ok", "events", events, "duration", dur.Round(time.Millisecond))
	return nil
}

// Trigger asks a running loop to start the next cycle now. It never blocks
// and reports false when a trigger is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cycles:       s.cycles.Load(),
		Failures:     s.failures.Load(),
		Events:       s.events.Load(),
		Digests:      s.digests.Load(),
		LastRun:      s.lastRun,
		LastDuration: s.lastDuration,
		LastError:    s.lastError,
		NextRun:      s.nextRun,
		Running:      s.running.Load(),
	}
}

func (s *Scheduler) digestLoop(ctx context.Context) {
	if s.config.DigestOnStart {
		s.sendDigest(ctx)
	}
	ticker := time.NewTicker(s.config.DigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendDigest(ctx)
		}
	}
}

func (s *Scheduler) sendDigest(ctx context.Context) {
	if err := s.digest(ctx); err != nil {
		s.logger.Warn("scheduler: status digest failed", "error", err)
		return
	}
	s.digests.Add(1)
}
