// Package channels delivers notification batches to external platforms:
// SMTP mail, ServerChan, Telegram, Discord, signed webhooks and stdout.
//
// A channel is outbound only. It receives one Batch per flush, already
// rendered in every body format, and picks the one its platform accepts.
//
//	d := channels.NewDispatcher(channels.WithLogger(logger))
//	d.RegisterDefaults()
//	if err := d.Reload(cfg.Notify.Channels); err != nil { ... }
//	for _, ch := range d.Channels() { ch.Send(ctx, batch) }
//
// Reload reconciles the active set against the configured specs, so a
// config file change swaps channels in without a restart.
package channels

import (
	"context"
	"encoding/json"
	"os"
	"time"
)

// Batch kinds.
const (
	KindChanges = "changes" // state transitions detected by a cycle
	KindStatus  = "status"  // periodic digest of every tracked item
)

// Entry is one item line of a batch, flattened for structured consumers.
type Entry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Available bool   `json:"available"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Batch is one outbound notification. The notifier renders every body
// format once and each platform sends the format it supports.
type Batch struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Count     int       `json:"count"`
	HTML      string    `json:"-"`
	Markdown  string    `json:"-"`
	Text      string    `json:"text"`
	Entries   []Entry   `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is an outbound connection to a notification platform.
type Channel interface {
	// Name is the configured channel name, e.g. "ops-mail".
	Name() string
	// Platform is the factory key, e.g. "mail".
	Platform() string
	// Send delivers b. It must honour ctx cancellation.
	Send(ctx context.Context, b Batch) error
}

// ChannelFactory creates a Channel from a name and JSON config.
type ChannelFactory func(name string, config json.RawMessage) (Channel, error)

// List is a fixed set of channels.
type List []Channel

// Channels returns l.
func (l List) Channels() []Channel { return l }

// Spec is the configuration of one channel as written in the config file.
type Spec struct {
	Name     string         `yaml:"name" json:"name"`
	Platform string         `yaml:"platform" json:"platform"`
	Enabled  *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Config   map[string]any `yaml:"config" json:"config"`
}

// IsEnabled reports whether the channel is on. Channels default to enabled.
func (s Spec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// secret returns value, or the content of the environment variable envName
// when value is empty.
func secret(value, envName string) string {
	if value != "" || envName == "" {
		return value
	}
	return os.Getenv(envName)
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
