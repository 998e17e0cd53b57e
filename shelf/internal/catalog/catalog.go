// CLAUDE:SUMMARY OPAC catalog client: shelf listing, per-item availability and detail pages, implementing the item-state fetcher.
// Package catalog reads the library OPAC: the shelf listing that defines the
// tracked set, the per-item holdings page that carries availability, and the
// detail page that carries bibliographic metadata.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/hazyhaar/shelfwatch/horosafe"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
)

// ErrNotFound is returned when the catalog has no record for a MARC number.
var ErrNotFound = errors.New("catalog: item not found")

// Page paths relative to Config.BaseURL.
const (
	shelfPath  = "/opac/show_user_shelf.php"
	statePath  = "/opac/ajax_item.php"
	detailPath = "/opac/item.php"
)

// Row selectors.
const (
	shelfRowsXPath   = `//*[@id="container"]/table/tr`
	stateCellsXPath  = `//*[@id="item"]/tr/td[5]`
	detailTitleXPath = `//*[@id="item_detail"]/dl[1]/dd/a`
	detailDDXPath    = `//*[@id="item_detail"]/dl[1]/dd`
	detailPubXPath   = `//*[@id="item_detail"]/dl[2]/dd`
)

// Config configures the catalog client.
type Config struct {
	// BaseURL of the OPAC, e.g. "http://210.32.33.91:8080".
	BaseURL string `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	// Timeout per HTTP request. Default: 15s.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	// MaxBytes caps a page body. Default: 4 MiB.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes" env:"MAX_BYTES"`
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent" json:"user_agent" env:"USER_AGENT"`
	// Encoding forces the page charset (e.g. "gbk"). Empty sniffs it from the
	// Content-Type header and meta tags.
	Encoding string `yaml:"encoding" json:"encoding" env:"ENCODING"`
	// AvailableMarker is the holdings status text meaning "on the shelf".
	// Default: "可借".
	AvailableMarker string `yaml:"available_marker" json:"available_marker" env:"AVAILABLE_MARKER"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 * horosafe.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "shelfwatch/1.0"
	}
	if c.AvailableMarker == "" {
		c.AvailableMarker = "可借"
	}
}

// Client reads OPAC pages. Safe for concurrent use.
type Client struct {
	http   *http.Client
	base   *url.URL
	config Config
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog: base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("catalog: base_url must be http or https")
	}
	if cfg.Encoding != "" {
		if _, err := htmlindex.Get(cfg.Encoding); err != nil {
			return nil, fmt.Errorf("catalog: unknown encoding %q: %w", cfg.Encoding, err)
		}
	}
	c := &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		base:   base,
		config: cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// DetailURL returns the public detail page of a MARC number.
func (c *Client) DetailURL(marcNo string) string {
	return c.pageURL(detailPath, "marc_no", marcNo)
}

// Shelf lists the items on the shelf identified by classID. Each record's
// ID is its call number; availability is not filled in.
func (c *Client) Shelf(ctx context.Context, classID string) ([]item.Record, error) {
	doc, err := c.get(ctx, c.pageURL(shelfPath, "classid", classID))
	if err != nil {
		return nil, fmt.Errorf("catalog: shelf %s: %w", classID, err)
	}

	rows := evaluateXPath(doc, shelfRowsXPath)
	if len(rows) == 0 {
		return nil, nil
	}
	var out []item.Record
	// First row is the table header.
	for _, row := range rows[1:] {
		rec, ok := c.parseShelfRow(row)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	c.logger.Debug("catalog: shelf listed", "classid", classID, "items", len(out))
	return out, nil
}

func (c *Client) parseShelfRow(row *html.Node) (item.Record, bool) {
	var rec item.Record
	links := evaluateXPath(row, "td[2]/a")
	if len(links) > 0 {
		rec.Title = nodeText(links[0])
		if href, ok := attr(links[0], "href"); ok {
			rec.MarcNo = marcFromHref(href)
		}
	}
	rec.Author = firstText(row, "td[3]")
	rec.Publisher = firstText(row, "td[4]")
	rec.PublishDate = firstText(row, "td[5]")
	rec.ID = firstText(row, "td[6]")
	if rec.ID == "" {
		// Without a call number the row has no stable identity.
		return rec, false
	}
	if rec.MarcNo != "" {
		rec.URL = c.DetailURL(rec.MarcNo)
	}
	return rec, true
}

// State reports whether any copy of marcNo is currently available.
func (c *Client) State(ctx context.Context, marcNo string) (bool, error) {
	doc, err := c.get(ctx, c.pageURL(statePath, "marc_no", marcNo))
	if err != nil {
		return false, fmt.Errorf("catalog: state %s: %w", marcNo, err)
	}
	for _, cell := range evaluateXPath(doc, stateCellsXPath) {
		if strings.Contains(nodeText(cell), c.config.AvailableMarker) {
			return true, nil
		}
	}
	return false, nil
}

// Detail fetches bibliographic metadata for marcNo. The record's ID is the
// MARC number. A page without a title yields ErrNotFound.
func (c *Client) Detail(ctx context.Context, marcNo string) (item.Record, error) {
	doc, err := c.get(ctx, c.pageURL(detailPath, "marc_no", marcNo))
	if err != nil {
		return item.Record{}, fmt.Errorf("catalog: detail %s: %w", marcNo, err)
	}
	rec := item.Record{ID: marcNo, MarcNo: marcNo, URL: c.DetailURL(marcNo)}
	rec.Title = firstText(doc, detailTitleXPath)
	if rec.Title == "" {
		return item.Record{}, fmt.Errorf("%w: %s", ErrNotFound, marcNo)
	}
	if dd := evaluateXPath(doc, detailDDXPath); len(dd) > 0 {
		rec.Author = strings.TrimSpace(strings.TrimPrefix(ownText(dd[0]), "/"))
	}
	rec.Publisher = firstText(doc, detailPubXPath)
	return rec, nil
}

// Fetch returns the current record for seed. Metadata is read from the
// detail page when the seed carries none; availability is always refreshed.
func (c *Client) Fetch(ctx context.Context, seed item.Record) (item.Record, error) {
	marc := seed.MarcNo
	if marc == "" {
		marc = seed.ID
	}
	if marc == "" {
		return item.Record{}, fmt.Errorf("catalog: seed has no marc number")
	}

	rec := seed
	if rec.Title == "" {
		detail, err := c.Detail(ctx, marc)
		if err != nil {
			return item.Record{}, err
		}
		rec.Title = detail.Title
		rec.Author = detail.Author
		rec.Publisher = detail.Publisher
		if rec.ID == "" {
			rec.ID = detail.ID
		}
	}
	rec.MarcNo = marc

	available, err := c.State(ctx, marc)
	if err != nil {
		return item.Record{}, err
	}
	rec.Available = available
	rec.URL = c.DetailURL(marc)
	return rec, nil
}

func (c *Client) pageURL(path, key, value string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{key: {value}}.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, rawURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r, err := c.decode(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// decode converts body to UTF-8, using the configured encoding or sniffing
// it from contentType and the document's meta tags.
func (c *Client) decode(body []byte, contentType string) (io.Reader, error) {
	if c.config.Encoding != "" {
		enc, err := htmlindex.Get(c.config.Encoding)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", c.config.Encoding, err)
		}
		return enc.NewDecoder().Reader(bytes.NewReader(body)), nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	return r, nil
}

func marcFromHref(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return u.Query().Get("marc_no")
}
