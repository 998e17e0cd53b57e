package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// telegramMaxText is the Bot API cap on a message body.
const telegramMaxText = 4096

// TelegramConfig is the per-channel JSON config for the Telegram Bot API.
type TelegramConfig struct {
	// BotToken, or BotTokenEnv naming the environment variable holding it.
	BotToken    string `json:"bot_token,omitempty"`
	BotTokenEnv string `json:"bot_token_env,omitempty"`
	ChatID      string `json:"chat_id"`
	// APIBase defaults to "https://api.telegram.org".
	APIBase    string `json:"api_base,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// TelegramFactory returns a ChannelFactory posting the plain-text body with
// sendMessage.
//
// Config example:
//
//	{"bot_token_env": "TG_TOKEN", "chat_id": "-1001234567890"}
func TelegramFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse config: %w", err)
		}
		cfg.BotToken = secret(cfg.BotToken, cfg.BotTokenEnv)
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("telegram: bot_token is required")
		}
		if cfg.ChatID == "" {
			return nil, fmt.Errorf("telegram: chat_id is required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.telegram.org"
		}
		return &telegramChannel{
			name:   name,
			config: cfg,
			client: newHTTPClient(secondsOf(cfg.TimeoutSec)),
		}, nil
	}
}

type telegramChannel struct {
	name   string
	config TelegramConfig
	client *http.Client
}

func (c *telegramChannel) Name() string     { return c.name }
func (c *telegramChannel) Platform() string { return "telegram" }

func (c *telegramChannel) Send(ctx context.Context, b Batch) error {
	text := b.Subject
	if b.Text != "" {
		text += "\n\n" + b.Text
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  c.config.ChatID,
		"text":                     truncate(text, telegramMaxText),
		"disable_web_page_preview": true,
	})
	if err != nil {
		return sendFailed(c.name, "telegram", err)
	}
	endpoint := strings.TrimRight(c.config.APIBase, "/") + "/bot" + c.config.BotToken + "/sendMessage"
	data, err := post(ctx, c.client, endpoint, "application/json", payload, nil)
	if err != nil {
		// Bot API errors come back as 4xx with a JSON description.
		if desc := gjson.GetBytes(data, "description").String(); desc != "" {
			err = fmt.Errorf("%s", desc)
		}
		return sendFailed(c.name, "telegram", redact(err, c.config.BotToken))
	}
	if !gjson.GetBytes(data, "ok").Bool() {
		return sendFailed(c.name, "telegram",
			fmt.Errorf("api rejected message: %s", gjson.GetBytes(data, "description").String()))
	}
	return nil
}

// redact removes a secret that net/http may echo inside URL errors.
func redact(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), secret, "***"))
}

func secondsOf(n int) time.Duration { return time.Duration(n) * time.Second }
