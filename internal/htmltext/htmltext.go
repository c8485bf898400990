// Package htmltext turns stored mail bodies into safe HTML for display and
// plain text for indexing and excerpts.
package htmltext

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const DefaultExcerptLength = 200

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Frame:    true,
	atom.Frameset: true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Applet:   true,
	atom.Form:     true,
	atom.Input:    true,
	atom.Button:   true,
	atom.Textarea: true,
	atom.Select:   true,
	atom.Link:     true,
	atom.Meta:     true,
	atom.Base:     true,
	atom.Noscript: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Br:         true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Table:      true,
	atom.Blockquote: true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Pre:        true,
	atom.Hr:         true,
}

var urlAttributes = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"background": true,
	"formaction": true,
	"xlink:href": true,
}

// Sanitize removes active content from body: scripting elements, embedded
// documents, forms, event handler attributes and script URLs.
func Sanitize(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	container := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(body), container)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, node := range nodes {
		if keep := sanitizeNode(node); !keep {
			continue
		}
		if err := html.Render(&buf, node); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func sanitizeNode(node *html.Node) bool {
	switch node.Type {
	case html.CommentNode, html.DoctypeNode:
		return false
	case html.ElementNode:
		if droppedElements[node.DataAtom] {
			return false
		}
		node.Attr = sanitizeAttributes(node.Attr)
	}
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling
		if !sanitizeNode(child) {
			node.RemoveChild(child)
		}
		child = next
	}
	return true
}

func sanitizeAttributes(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, attr := range attrs {
		key := strings.ToLower(attr.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if urlAttributes[key] && unsafeURL(attr.Val) {
			continue
		}
		if key == "style" && strings.Contains(strings.ToLower(attr.Val), "expression(") {
			continue
		}
		out = append(out, attr)
	}
	return out
}

func unsafeURL(raw string) bool {
	value := strings.ToLower(strings.Join(strings.Fields(raw), ""))
	return strings.HasPrefix(value, "javascript:") ||
		strings.HasPrefix(value, "vbscript:") ||
		strings.HasPrefix(value, "data:text/html")
}

// PlainText extracts the readable text of body with block elements turned
// into line breaks.
func PlainText(body string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skipDepth := 0
	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			return collapseLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				if tokenType == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			b.Write(tokenizer.Text())
		}
	}
}

// Excerpt returns the first limit runes of the plain text of body on a
// single line.
func Excerpt(body string, limit int) string {
	if limit <= 0 {
		limit = DefaultExcerptLength
	}
	text := strings.Join(strings.Fields(PlainText(body)), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
