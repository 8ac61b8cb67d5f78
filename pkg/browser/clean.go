package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// CleanedHTML is a page reduced to its semantic structure.
type CleanedHTML struct {
	HTML        string
	Title       string
	Description string
	Truncated   bool
}

// Clean parses rawHTML and keeps only the elements and attributes an agent
// needs to understand and target the page. Output stops at maxLength bytes.
func Clean(rawHTML string, maxLength int) (*CleanedHTML, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	c := &cleaner{max: maxLength}
	truncated := c.node(doc, 0)

	return &CleanedHTML{
		HTML:        strings.TrimSpace(c.out.String()),
		Title:       findTitle(doc),
		Description: findDescription(doc),
		Truncated:   truncated,
	}, nil
}

type cleaner struct {
	out strings.Builder
	n   int
	max int
}

var (
	skippedTags = set("script", "style", "noscript", "iframe", "embed", "object", "svg", "template", "head")
	blockTags   = set("div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr", "td", "th",
		"form", "fieldset", "blockquote", "pre", "dialog")
	voidTags    = set("area", "base", "br", "col", "embed", "hr", "img", "input", "link", "meta", "param", "source", "track", "wbr")
	globalAttrs = set("id", "class", "role", "title", "aria-label", "aria-describedby", "aria-expanded")
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// node writes n and its subtree. It returns true once the output is full.
func (c *cleaner) node(n *html.Node, depth int) bool {
	if c.n >= c.max {
		return true
	}
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return false
	case html.TextNode:
		return c.text(n.Data)
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if skippedTags[tag] || hidden(n) {
			return false
		}
		return c.element(n, tag, depth)
	}
	return c.children(n, depth)
}

func (c *cleaner) text(data string) bool {
	text := strings.Join(strings.Fields(data), " ")
	if text == "" {
		return false
	}
	if c.n+len(text) > c.max {
		c.out.WriteString(text[:c.max-c.n])
		c.out.WriteString("...")
		c.n = c.max
		return true
	}
	c.out.WriteString(text)
	c.n += len(text)
	return false
}

func (c *cleaner) element(n *html.Node, tag string, depth int) bool {
	// html, body and the implied wrappers add nothing.
	if tag == "html" || tag == "body" {
		return c.children(n, depth)
	}

	block := blockTags[tag]
	if block && c.out.Len() > 0 {
		c.newline(depth)
	}

	c.out.WriteString("<" + tag)
	for _, a := range n.Attr {
		if keepAttr(tag, a.Key) {
			fmt.Fprintf(&c.out, ` %s="%s"`, a.Key, html.EscapeString(a.Val))
		}
	}
	c.out.WriteString(">")
	c.n += len(tag) + 2

	truncated := c.children(n, depth+1)
	if voidTags[tag] {
		return truncated
	}

	if block {
		c.newline(depth)
	}
	c.out.WriteString("</" + tag + ">")
	c.n += len(tag) + 3
	return truncated
}

func (c *cleaner) children(n *html.Node, depth int) bool {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if c.node(ch, depth) {
			return true
		}
	}
	return false
}

func (c *cleaner) newline(depth int) {
	c.out.WriteString("\n")
	c.out.WriteString(strings.Repeat("  ", depth))
}

// hidden reports elements the user cannot see or interact with.
func hidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "type":
			if strings.EqualFold(n.Data, "input") && strings.EqualFold(a.Val, "hidden") {
				return true
			}
		}
	}
	return false
}

// keepAttr reports whether an attribute helps identify or target an element.
func keepAttr(tag, attr string) bool {
	attr = strings.ToLower(attr)
	if globalAttrs[attr] || strings.HasPrefix(attr, "data-") {
		return true
	}
	switch tag {
	case "a":
		return attr == "href" || attr == "target"
	case "img":
		return attr == "src" || attr == "alt"
	case "input", "textarea", "select", "option":
		return attr == "name" || attr == "type" || attr == "placeholder" || attr == "value"
	case "button":
		return attr == "type" || attr == "name"
	case "form":
		return attr == "action" || attr == "method"
	case "label":
		return attr == "for"
	case "table":
		return attr == "summary"
	}
	return false
}

// find returns the first element for which match is true.
func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if found := find(ch, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func findTitle(doc *html.Node) string {
	t := find(doc, func(n *html.Node) bool { return n.Data == "title" })
	if t == nil || t.FirstChild == nil || t.FirstChild.Type != html.TextNode {
		return ""
	}
	return strings.TrimSpace(t.FirstChild.Data)
}

func findDescription(doc *html.Node) string {
	m := find(doc, func(n *html.Node) bool {
		if n.Data != "meta" {
			return false
		}
		name, _ := attr(n, "name")
		content, _ := attr(n, "content")
		return name == "description" && content != ""
	})
	if m == nil {
		return ""
	}
	content, _ := attr(m, "content")
	return strings.TrimSpace(content)
}
