package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// StdoutConfig is the per-channel JSON config for the stdout channel.
type StdoutConfig struct {
	// Format is "text" (default), "markdown" or "json".
	Format string `json:"format,omitempty"`
}

// StdoutFactory returns a ChannelFactory writing batches to w (os.Stdout
// when nil). Useful for cron jobs whose output is mailed by the scheduler.
func StdoutFactory(w io.Writer) ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg StdoutConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("stdout: parse config: %w", err)
			}
		}
		switch cfg.Format {
		case "":
			cfg.Format = "text"
		case "text", "markdown", "json":
		default:
			return nil, fmt.Errorf("stdout: unknown format %q", cfg.Format)
		}
		out := w
		if out == nil {
			out = os.Stdout
		}
		return &stdoutChannel{name: name, format: cfg.Format, w: out}, nil
	}
}

type stdoutChannel struct {
	name   string
	format string

	mu sync.Mutex
	w  io.Writer
}

func (c *stdoutChannel) Name() string     { return c.name }
func (c *stdoutChannel) Platform() string { return "stdout" }

func (c *stdoutChannel) Send(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return sendFailed(c.name, "stdout", err)
	}
	var out string
	switch c.format {
	case "markdown":
		out = "## " + b.Subject + "\n\n" + b.Markdown + "\n"
	case "json":
		data, err := json.Marshal(b)
		if err != nil {
			return sendFailed(c.name, "stdout", err)
		}
		out = string(data) + "\n"
	default:
		out = b.Subject + "\n" + b.Text + "\n"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, out); err != nil {
		return sendFailed(c.name, "stdout", err)
	}
	return nil
}
