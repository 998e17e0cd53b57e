package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// MailConfig is the per-channel JSON config for SMTP delivery.
type MailConfig struct {
	Host string `json:"host"`
	// Port defaults to 465.
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	// Password, or PasswordEnv naming the environment variable holding it.
	Password    string   `json:"password,omitempty"`
	PasswordEnv string   `json:"password_env,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	// Security is "tls" (implicit, default on 465), "starttls" (default on
	// other ports) or "none".
	Security string `json:"security,omitempty"`
	// TimeoutSec bounds dialing and the whole SMTP exchange. Default: 30.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// MailFactory returns a ChannelFactory for SMTP mail. The HTML body is sent.
//
// Config example:
//
//	{"host": "smtp.163.com", "username": "me@163.com", "password_env": "SMTP_PASS",
//	 "from": "me@163.com", "to": ["me@example.org"]}
func MailFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg MailConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("mail: parse config: %w", err)
		}
		if cfg.Host == "" {
			return nil, fmt.Errorf("mail: host is required")
		}
		if cfg.From == "" || len(cfg.To) == 0 {
			return nil, fmt.Errorf("mail: from and to are required")
		}
		if cfg.Port == 0 {
			cfg.Port = 465
		}
		if cfg.Security == "" {
			cfg.Security = "starttls"
			if cfg.Port == 465 {
				cfg.Security = "tls"
			}
		}
		switch cfg.Security {
		case "tls", "starttls", "none":
		default:
			return nil, fmt.Errorf("mail: unknown security %q", cfg.Security)
		}
		if cfg.TimeoutSec <= 0 {
			cfg.TimeoutSec = 30
		}
		cfg.Password = secret(cfg.Password, cfg.PasswordEnv)
		return &mailChannel{name: name, config: cfg}, nil
	}
}

type mailChannel struct {
	name   string
	config MailConfig
}

func (c *mailChannel) Name() string     { return c.name }
func (c *mailChannel) Platform() string { return "mail" }

func (c *mailChannel) Send(ctx context.Context, b Batch) error {
	msg, err := buildMail(c.config.From, c.config.To, b.Subject, b.HTML, b.CreatedAt)
	if err != nil {
		return sendFailed(c.name, "mail", err)
	}
	if err := c.deliver(ctx, msg); err != nil {
		return sendFailed(c.name, "mail", err)
	}
	return nil
}

func (c *mailChannel) deliver(ctx context.Context, msg []byte) error {
	timeout := time.Duration(c.config.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	tlsCfg := &tls.Config{ServerName: c.config.Host}

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if c.config.Security == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if c.config.Security == "starttls" {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("server does not offer STARTTLS")
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if c.config.Username != "" {
		auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(c.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range c.config.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return client.Quit()
}

// buildMail renders an RFC 5322 message with a quoted-printable HTML body.
func buildMail(from string, to []string, subject, htmlBody string, date time.Time) ([]byte, error) {
	if date.IsZero() {
		date = time.Now()
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(htmlBody)); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
