// CLAUDE:SUMMARY Config hot reload: swaps channels and pinned items in place, fsnotify watcher with debounce.
package shelf

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadConfig applies the parts of cfg that change without restart: the
// channel set and the pinned items. Other differences are logged.
func (s *Service) ReloadConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("shelf: reload: nil config")
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	pinned := cleanIDs(cfg.Source.Items)
	s.mu.Lock()
	changed := !slices.Equal(s.pinned, pinned)
	s.pinned = pinned
	s.mu.Unlock()
	if changed {
		s.logger.Info("shelf: pinned items reloaded", "count", len(pinned))
	}

	var err error
	if s.dispatcher != nil {
		if err = s.dispatcher.Reload(cfg.Notify.Channels); err != nil {
			err = fmt.Errorf("shelf: reload channels: %w", err)
		}
		s.logger.Info("shelf: channels reloaded", "active", len(s.dispatcher.Channels()))
	}

	old := s.config
	if cfg.Source.Kind != old.Source.Kind || cfg.Source.Shelf != old.Source.Shelf ||
		cfg.Store != old.Store || cfg.Check != old.Check || cfg.Lock != old.Lock ||
		cfg.Catalog != old.Catalog || cfg.HTTP != old.HTTP || cfg.Telemetry != old.Telemetry {
		s.logger.Warn("shelf: config changes outside channels and pinned items need a restart")
	}
	return err
}

// WatchConfig reloads path whenever it changes, until ctx is done. A file
// that fails to load is logged and the running config is kept.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("shelf: watch config: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("shelf: watch config: %w", err)
	}
	defer w.Close()
	// Editors replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("shelf: watch config: %w", err)
	}
	s.logger.Info("shelf: watching config", "path", abs)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			debounce = time.After(s.reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("shelf: config watcher", "error", err)
		case <-debounce:
			debounce = nil
			cfg, err := LoadConfigFile(abs)
			if err != nil {
				s.logger.Warn("shelf: config reload rejected", "path", abs, "error", err)
				continue
			}
			if err := s.ReloadConfig(cfg); err != nil {
				s.logger.Warn("shelf: config reload incomplete", "error", err)
			}
		}
	}
}
