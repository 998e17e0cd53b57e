// CLAUDE:SUMMARY Batching notifier: collects change events, flushes one rendered batch per channel concurrently, at-most-once.
// Package notify accumulates change events produced by reconciliation
// cycles and flushes them as one batch per delivery channel.
//
// Delivery is at-most-once: the pending buffer is cleared on every flush
// whatever the channel outcomes, and a failed channel is neither retried
// nor allowed to hold back its siblings.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/shelfwatch/channels"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
)

// Reason tags a change event. The empty reason is a plain state flip.
type Reason string

const (
	ReasonStateChanged Reason = ""
	ReasonBegan        Reason = "began tracking"
	ReasonStopped      Reason = "stopped tracking"
)

// Event is one detected difference between a cycle's fetch results and the
// prior snapshot.
type Event struct {
	Item   item.Record `json:"item"`
	Reason Reason      `json:"reason,omitempty"`
}

// Label is the headline of the event: its reason, or the new state for a
// plain state flip.
func (e Event) Label() string {
	if e.Reason != ReasonStateChanged {
		return string(e.Reason)
	}
	return e.Item.StateLabel()
}

// ChannelSource provides the channels to deliver to at flush time.
// *channels.Dispatcher and channels.List implement it.
type ChannelSource interface {
	Channels() []channels.Channel
}

// Outcome is the delivery result of one channel.
type Outcome struct {
	Channel  string        `json:"channel"`
	Platform string        `json:"platform"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the channel accepted the batch.
func (o Outcome) OK() bool { return o.Err == nil }

// MarshalJSON adds the error message as "error".
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	var msg string
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(o), msg})
}

// Config tunes the notifier.
type Config struct {
	// Subject of change batches; "%d" is replaced by the event count.
	// Default: "shelfwatch: %d change(s)".
	Subject string `yaml:"subject" json:"subject" env:"SUBJECT"`
	// StatusSubject of status digests; "%d" is replaced by the item count.
	// Default: "shelfwatch: status of %d item(s)".
	StatusSubject string `yaml:"status_subject" json:"status_subject" env:"STATUS_SUBJECT"`
	// SendTimeout bounds each channel's Send. Default: 30s.
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout" env:"SEND_TIMEOUT"`
}

func (c *Config) defaults() {
	if c.Subject == "" {
		c.Subject = "shelfwatch: %d change(s)"
	}
	if c.StatusSubject == "" {
		c.StatusSubject = "shelfwatch: status of %d item(s)"
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// Notifier batches events. Safe for concurrent use.
type Notifier struct {
	src      ChannelSource
	config   Config
	renderer *Renderer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []Event
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the notifier's logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithClock overrides time.Now for batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier delivering to the channels of src.
func New(src ChannelSource, cfg Config, opts ...Option) *Notifier {
	cfg.defaults()
	n := &Notifier{
		src:      src,
		config:   cfg,
		renderer: NewRenderer(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Collect appends events to the pending buffer.
func (n *Notifier) Collect(events ...Event) {
	if len(events) == 0 {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, events...)
	n.mu.Unlock()
}

// Pending returns the number of buffered events.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Flush sends the pending events as one batch per channel and clears the
// buffer. With nothing pending no channel is called and Flush returns nil.
// Outcomes are in channel order.
func (n *Notifier) Flush(ctx context.Context) []Outcome {
	n.mu.Lock()
	events := n.pending
	n.pending = nil
	n.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	subject := formatSubject(n.config.Subject, len(events))
	return n.deliver(ctx, channels.KindChanges, subject, events)
}

// SendStatus sends the current state of every item in snap as one batch per
// channel. It does not touch the pending buffer. An empty snapshot sends
// nothing.
func (n *Notifier) SendStatus(ctx context.Context, snap item.Snapshot) []Outcome {
	if len(snap) == 0 {
		return nil
	}
	events := make([]Event, 0, len(snap))
	for _, r := range snap.Records() {
		events = append(events, Event{Item: r})
	}
	subject := formatSubject(n.config.StatusSubject, len(events))
	return n.deliver(ctx, channels.KindStatus, subject, events)
}

func (n *Notifier) deliver(ctx context.Context, kind, subject string, events []Event) []Outcome {
	var chs []channels.Channel
	if n.src != nil {
		chs = n.src.Channels()
	}
	if len(chs) == 0 {
		n.logger.Debug("notify: no channels configured, dropping batch", "kind", kind, "events", len(events))
		return nil
	}

	outcomes := make([]Outcome, len(chs))
	batch, err := n.renderer.Render(kind, subject, events)
	if err != nil {
		n.logger.Error("notify: render batch", "kind", kind, "error", err)
		for i, ch := range chs {
			outcomes[i] = Outcome{Channel: ch.Name(), Platform: ch.Platform(), Err: err}
		}
		return outcomes
	}
	batch.CreatedAt = n.now()

	var wg sync.WaitGroup
	for i, ch := range chs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = n.send(ctx, ch, batch)
		}()
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	n.logger.Info("notify: batch delivered",
		"kind", kind, "events", len(events), "channels", len(chs), "failed", failed)
	return outcomes
}

func (n *Notifier) send(ctx context.Context, ch channels.Channel, b channels.Batch) (o Outcome) {
	o = Outcome{Channel: ch.Name(), Platform: ch.Platform()}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("notify: channel %s panicked: %v", ch.Name(), r)
		}
		o.Duration = time.Since(start)
		if o.Err != nil {
			n.logger.Warn("notify: channel send failed",
				"channel", o.Channel, "platform", o.Platform, "error", o.Err)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	o.Err = ch.Send(sendCtx, b)
	return o
}

func formatSubject(format string, n int) string {
	if strings.Contains(format, "%d") {
		return fmt.Sprintf(format, n)
	}
	return format
}
