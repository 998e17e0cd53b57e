package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// discordMaxContent is the webhook cap on message content.
const discordMaxContent = 2000

// DiscordConfig is the per-channel JSON config for a Discord webhook.
type DiscordConfig struct {
	// WebhookURL, or WebhookURLEnv naming the environment variable holding it.
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookURLEnv string `json:"webhook_url_env,omitempty"`
	Username      string `json:"username,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
}

// DiscordFactory returns a ChannelFactory posting the plain-text body to a
// Discord webhook.
//
// Config example:
//
//	{"webhook_url_env": "DISCORD_HOOK", "username": "shelfwatch"}
func DiscordFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg DiscordConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("discord: parse config: %w", err)
		}
		cfg.WebhookURL = secret(cfg.WebhookURL, cfg.WebhookURLEnv)
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("discord: webhook_url is required")
		}
		return &discordChannel{
			name:   name,
			config: cfg,
			client: newHTTPClient(secondsOf(cfg.TimeoutSec)),
		}, nil
	}
}

type discordChannel struct {
	name   string
	config DiscordConfig
	client *http.Client
}

func (c *discordChannel) Name() string     { return c.name }
func (c *discordChannel) Platform() string { return "discord" }

func (c *discordChannel) Send(ctx context.Context, b Batch) error {
	content := "**" + b.Subject + "**"
	if b.Text != "" {
		content += "\n" + b.Text
	}
	payload := map[string]string{"content": truncate(content, discordMaxContent)}
	if c.config.Username != "" {
		payload["username"] = c.config.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return sendFailed(c.name, "discord", err)
	}
	if _, err := post(ctx, c.client, c.config.WebhookURL, "application/json", body, nil); err != nil {
		return sendFailed(c.name, "discord", redact(err, c.config.WebhookURL))
	}
	return nil
}
