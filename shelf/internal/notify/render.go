package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/shelfwatch/channels"
)

var tableTmpl = template.Must(template.New("batch").Parse(
	`<table border="1">` +
		`<thead><tr><th>State</th><th>Item</th><th>Link</th></tr></thead>` +
		`<tbody>{{range .}}<tr>` +
		`<td><b>{{.Label}}</b></td>` +
		`<td>{{.Item.Description}}</td>` +
		`<td>{{if .Item.URL}}<a href="{{.Item.URL}}">details</a>{{end}}</td>` +
		`</tr>{{end}}</tbody></table>`))

// Renderer turns events into a channels.Batch carrying an HTML table (mail),
// the same table in markdown (push services) and plain text lines (chat).
type Renderer struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// NewRenderer builds a renderer. The HTML is sanitised because titles and
// authors come verbatim from a remote catalog.
func NewRenderer() *Renderer {
	p := bluemonday.NewPolicy()
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td", "b")
	p.AllowAttrs("border").Matching(bluemonday.Integer).OnElements("table")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AllowURLSchemes("http", "https")

	return &Renderer{
		policy: p,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Render builds the batch for events.
func (r *Renderer) Render(kind, subject string, events []Event) (channels.Batch, error) {
	b := channels.Batch{
		Kind:    kind,
		Subject: subject,
		Count:   len(events),
		Entries: make([]channels.Entry, 0, len(events)),
	}

	var buf bytes.Buffer
	if err := tableTmpl.Execute(&buf, events); err != nil {
		return b, fmt.Errorf("notify: render html: %w", err)
	}
	b.HTML = r.policy.Sanitize(buf.String())

	md, err := r.md.ConvertString(b.HTML)
	if err != nil {
		return b, fmt.Errorf("notify: render markdown: %w", err)
	}
	b.Markdown = strings.TrimSpace(md)

	lines := make([]string, 0, len(events))
	for _, e := range events {
		line := "[" + e.Label() + "] " + e.Item.Description()
		if e.Item.URL != "" {
			line += " " + e.Item.URL
		}
		lines = append(lines, line)

		b.Entries = append(b.Entries, channels.Entry{
			ID:        e.Item.ID,
			Title:     e.Item.Title,
			Author:    e.Item.Author,
			Publisher: e.Item.Publisher,
			Available: e.Item.Available,
			State:     e.Item.StateLabel(),
			Reason:    string(e.Reason),
			URL:       e.Item.URL,
		})
	}
	b.Text = strings.Join(lines, "\n")
	return b, nil
}
