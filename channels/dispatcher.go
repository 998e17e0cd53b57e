package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/shelfwatch/horosafe"
)

// channelEntry holds an active channel and its config fingerprint.
type channelEntry struct {
	channel     Channel
	platform    string
	fingerprint string
}

// Dispatcher owns the active channel set. It builds channels from specs
// through registered platform factories and keeps unchanged channels across
// reloads.
type Dispatcher struct {
	mu        sync.RWMutex
	channels  map[string]*channelEntry
	factories map[string]ChannelFactory
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates an empty Dispatcher. Register platform factories
// before calling Reload.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels:  make(map[string]*channelEntry),
		factories: make(map[string]ChannelFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterPlatform registers a ChannelFactory for a platform name.
func (d *Dispatcher) RegisterPlatform(platform string, f ChannelFactory) {
	d.mu.Lock()
	d.factories[platform] = f
	d.mu.Unlock()
}

// RegisterDefaults registers every built-in platform.
func (d *Dispatcher) RegisterDefaults() {
	d.RegisterPlatform("mail", MailFactory())
	d.RegisterPlatform("serverchan", ServerChanFactory())
	d.RegisterPlatform("telegram", TelegramFactory())
	d.RegisterPlatform("discord", DiscordFactory())
	d.RegisterPlatform("webhook", WebhookFactory())
	d.RegisterPlatform("stdout", StdoutFactory(nil))
}

// fingerprint changes whenever the channel's platform or config changes.
func fingerprint(platform string, config json.RawMessage) string {
	return platform + "|" + string(config)
}

// Reload reconciles the active set with specs. New enabled channels are
// built, removed or disabled channels are closed, and channels whose config
// changed are rebuilt. A spec that fails to build is skipped and reported in
// the returned error; the remaining channels are still applied.
func (d *Dispatcher) Reload(specs []Spec) error {
	type desired struct {
		spec   Spec
		config json.RawMessage
	}
	want := make(map[string]desired, len(specs))
	var errs []error
	for _, s := range specs {
		if err := horosafe.ValidateIdentifier(s.Name); err != nil {
			errs = append(errs, fmt.Errorf("channels: channel name %q: %w", s.Name, err))
			continue
		}
		if _, dup := want[s.Name]; dup {
			errs = append(errs, fmt.Errorf("channels: duplicate channel name %q", s.Name))
			continue
		}
		cfg := s.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("channels: encode config of %s: %w", s.Name, err))
			continue
		}
		want[s.Name] = desired{spec: s, config: raw}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.channels {
		w, exists := want[name]
		if !exists || !w.spec.IsEnabled() || fingerprint(w.spec.Platform, w.config) != entry.fingerprint {
			d.closeEntry(name, entry)
			delete(d.channels, name)
		}
	}

	for name, w := range want {
		if !w.spec.IsEnabled() {
			continue
		}
		if _, active := d.channels[name]; active {
			continue
		}
		factory, ok := d.factories[w.spec.Platform]
		if !ok {
			errs = append(errs, &ErrNoPlatformFactory{Channel: name, Platform: w.spec.Platform})
			continue
		}
		ch, err := factory(name, w.config)
		if err != nil {
			d.logger.Error("channel factory failed",
				"channel", name, "platform", w.spec.Platform, "error", err)
			errs = append(errs, fmt.Errorf("channels: build %s: %w", name, err))
			continue
		}
		d.channels[name] = &channelEntry{
			channel:     ch,
			platform:    w.spec.Platform,
			fingerprint: fingerprint(w.spec.Platform, w.config),
		}
		d.logger.Info("channel started", "channel", name, "platform", w.spec.Platform)
	}

	d.logger.Info("channels reloaded", "active", len(d.channels), "configured", len(specs))
	return errors.Join(errs...)
}

// Channels returns the active channels ordered by name.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Channel, 0, len(names))
	for _, name := range names {
		out = append(out, d.channels[name].channel)
	}
	return out
}

// closeEntry releases a channel that holds resources.
func (d *Dispatcher) closeEntry(name string, entry *channelEntry) {
	c, ok := entry.channel.(io.Closer)
	if !ok {
		d.logger.Info("channel stopped", "channel", name, "platform", entry.platform)
		return
	}
	if err := c.Close(); err != nil {
		d.logger.Error("channel close failed",
			"channel", name, "platform", entry.platform, "error", err)
		return
	}
	d.logger.Info("channel stopped", "channel", name, "platform", entry.platform)
}

// Close shuts down all active channels.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, entry := range d.channels {
		d.closeEntry(name, entry)
	}
	d.channels = make(map[string]*channelEntry)
	return nil
}
