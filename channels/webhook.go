package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/shelfwatch/horosafe"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Signature-256"

// WebhookConfig is the per-channel JSON config for generic outbound webhooks.
type WebhookConfig struct {
	URL string `json:"url"`
	// Secret, or SecretEnv naming the environment variable holding it. When
	// set, every request is signed in SignatureHeader. Must be at least
	// horosafe.MinSecretLen bytes.
	Secret    string `json:"secret,omitempty"`
	SecretEnv string `json:"secret_env,omitempty"`
	// AllowPrivate permits loopback and private targets (local relays).
	AllowPrivate bool              `json:"allow_private,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	TimeoutSec   int               `json:"timeout_sec,omitempty"`
}

// WebhookFactory returns a ChannelFactory POSTing the structured batch as
// JSON.
//
// Config example:
//
//	{"url": "https://hooks.example.org/shelf", "secret_env": "HOOK_SECRET"}
func WebhookFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse config: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook: url is required")
		}
		client := newHTTPClient(secondsOf(cfg.TimeoutSec))
		if !cfg.AllowPrivate {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := horosafe.ValidateURL(ctx, cfg.URL)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("webhook: url: %w", err)
			}
			client = newGuardedHTTPClient(secondsOf(cfg.TimeoutSec))
		}
		cfg.Secret = secret(cfg.Secret, cfg.SecretEnv)
		if cfg.Secret != "" {
			if err := horosafe.ValidateSecret([]byte(cfg.Secret)); err != nil {
				return nil, fmt.Errorf("webhook: %w", err)
			}
		}
		return &webhookChannel{
			name:   name,
			config: cfg,
			client: client,
		}, nil
	}
}

type webhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client
}

func (c *webhookChannel) Name() string     { return c.name }
func (c *webhookChannel) Platform() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return sendFailed(c.name, "webhook", fmt.Errorf("marshal batch: %w", err))
	}
	header := http.Header{}
	for k, v := range c.config.Headers {
		header.Set(k, v)
	}
	if c.config.Secret != "" {
		header.Set(SignatureHeader, Sign([]byte(c.config.Secret), body))
	}
	if _, err := post(ctx, c.client, c.config.URL, "application/json", body, header); err != nil {
		return sendFailed(c.name, "webhook", err)
	}
	return nil
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body. The
// "sha256=" prefix is optional. Receivers use it to authenticate batches.
func VerifySignature(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
