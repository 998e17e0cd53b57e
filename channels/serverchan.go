package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// ServerChanConfig is the per-channel JSON config for ServerChan (WeChat
// push through sctapi.ftqq.com).
type ServerChanConfig struct {
	// SendKey, or SendKeyEnv naming the environment variable holding it.
	SendKey    string `json:"send_key,omitempty"`
	SendKeyEnv string `json:"send_key_env,omitempty"`
	// BaseURL defaults to "https://sctapi.ftqq.com".
	BaseURL    string `json:"base_url,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// ServerChanFactory returns a ChannelFactory for ServerChan. The subject is
// the push title and the markdown table is the description.
//
// Config example:
//
//	{"send_key_env": "SERVERCHAN_KEY"}
func ServerChanFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg ServerChanConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("serverchan: parse config: %w", err)
		}
		cfg.SendKey = secret(cfg.SendKey, cfg.SendKeyEnv)
		if cfg.SendKey == "" {
			return nil, fmt.Errorf("serverchan: send_key is required")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://sctapi.ftqq.com"
		}
		return &serverChanChannel{
			name:   name,
			config: cfg,
			client: newHTTPClient(secondsOf(cfg.TimeoutSec)),
		}, nil
	}
}

type serverChanChannel struct {
	name   string
	config ServerChanConfig
	client *http.Client
}

func (c *serverChanChannel) Name() string     { return c.name }
func (c *serverChanChannel) Platform() string { return "serverchan" }

func (c *serverChanChannel) Send(ctx context.Context, b Batch) error {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/" + url.PathEscape(c.config.SendKey) + ".send"
	form := url.Values{
		"title": {truncate(b.Subject, 32)},
		"text":  {truncate(b.Subject, 32)},
		"desp":  {b.Markdown},
	}
	data, err := post(ctx, c.client, endpoint, "application/x-www-form-urlencoded",
		[]byte(form.Encode()), nil)
	if err != nil {
		return sendFailed(c.name, "serverchan", err)
	}
	if err := serverChanError(data); err != nil {
		return sendFailed(c.name, "serverchan", err)
	}
	return nil
}

// serverChanError reads the API verdict. The current API reports "code",
// the legacy one "errno"; both use 0 for success.
func serverChanError(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("unexpected response: %s", truncate(string(body), 200))
	}
	res := gjson.ParseBytes(body)
	for _, key := range []string{"code", "errno"} {
		v := res.Get(key)
		if !v.Exists() {
			continue
		}
		if v.Int() != 0 {
			msg := res.Get("message").String()
			if msg == "" {
				msg = res.Get("errmsg").String()
			}
			return fmt.Errorf("api %s=%d: %s", key, v.Int(), msg)
		}
		return nil
	}
	return nil
}
