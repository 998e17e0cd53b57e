package catalog

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// evaluateXPath evaluates the XPath subset the OPAC pages need:
//   - /html/body/div        absolute child steps
//   - //table               descendant anywhere
//   - //*[@id='item']       attribute predicate, wildcard tag
//   - td[5]                 1-based positional predicate
//
// The HTML parser inserts <tbody> under every <table>, so a table's rows are
// reached through their section: "table/tr" matches rows inside tbody,
// thead and tfoot as the catalog markup intends.
func evaluateXPath(root *html.Node, expr string) []*html.Node {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}

	current := []*html.Node{root}
	descendant := !strings.HasPrefix(expr, "/")
	for i, raw := range strings.Split(expr, "/") {
		if raw == "" {
			if i > 0 {
				descendant = true
			}
			continue
		}
		tag, pred := parseXPathStep(raw)
		current = applyStep(current, tag, pred, descendant)
		descendant = false
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func applyStep(parents []*html.Node, tag string, pred *xpathPredicate, descendant bool) []*html.Node {
	var out []*html.Node
	seen := make(map[*html.Node]bool)

	visit := func(parent *html.Node) {
		pos := 0
		for _, c := range elementChildren(parent) {
			if !matchesXPathStep(c, tag, pred) {
				continue
			}
			pos++
			if pred != nil && pred.position > 0 && pos != pred.position {
				continue
			}
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}

	for _, p := range parents {
		if !descendant {
			visit(p)
			continue
		}
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode || n.Type == html.DocumentNode {
				visit(n)
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(p)
	}
	return out
}

// elementChildren lists the element children of n. Table sections are
// transparent so rows count as children of their table.
func elementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if n.Data == "table" && isTableSection(c.Data) {
			for r := c.FirstChild; r != nil; r = r.NextSibling {
				if r.Type == html.ElementNode {
					out = append(out, r)
				}
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

func isTableSection(tag string) bool {
	return tag == "tbody" || tag == "thead" || tag == "tfoot"
}

type xpathPredicate struct {
	attrName  string
	attrValue string
	position  int // 1-based
}

// parseXPathStep parses "div", "div[@class='x']", "td[5]".
func parseXPathStep(step string) (string, *xpathPredicate) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return step, nil
	}

	tag := step[:idx]
	predStr := strings.TrimSpace(strings.TrimRight(step[idx+1:], "]"))
	pred := &xpathPredicate{}

	if n, err := strconv.Atoi(predStr); err == nil {
		pred.position = n
		return tag, pred
	}

	if strings.HasPrefix(predStr, "@") {
		attrExpr := predStr[1:]
		if eqIdx := strings.IndexByte(attrExpr, '='); eqIdx >= 0 {
			pred.attrName = strings.TrimSpace(attrExpr[:eqIdx])
			pred.attrValue = strings.Trim(strings.TrimSpace(attrExpr[eqIdx+1:]), `'"`)
		} else {
			pred.attrName = attrExpr
		}
		return tag, pred
	}

	return tag, nil
}

func matchesXPathStep(n *html.Node, tag string, pred *xpathPredicate) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if tag != "*" && n.Data != tag {
		return false
	}
	if pred == nil || pred.attrName == "" {
		return true
	}
	val, ok := attr(n, pred.attrName)
	if pred.attrValue != "" {
		return val == pred.attrValue
	}
	return ok
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// nodeText returns the whitespace-collapsed text of n and its descendants.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// ownText returns the text of n's direct text children only, which is how
// the detail page separates the author from the linked title.
func ownText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// firstText returns the text of the first node matched by expr.
func firstText(root *html.Node, expr string) string {
	nodes := evaluateXPath(root, expr)
	if len(nodes) == 0 {
		return ""
	}
	return nodeText(nodes[0])
}
