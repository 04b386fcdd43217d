// Package sanitize makes feed supplied markup safe to store and display.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// SnippetLength is the number of characters of plain text kept in a snippet.
const SnippetLength = 150

var (
	contentPolicy = newContentPolicy()
	stripPolicy   = bluemonday.StrictPolicy()
)

func newContentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "i", "em", "strong", "a", "p", "br", "ul", "ol", "li",
		"blockquote", "img", "h1", "h2", "h3", "h4", "code", "pre")
	p.AllowStandardURLs()
	p.AllowAttrs("href", "target").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowAttrs("title", "class").Globally()
	return p
}

// HTML keeps the small set of formatting elements an article body needs and drops the rest.
func HTML(s string) string {
	return strings.TrimSpace(contentPolicy.Sanitize(s))
}

// Strip removes all markup, leaving escaped text. Used on titles.
func Strip(s string) string {
	return html.UnescapeString(strings.TrimSpace(stripPolicy.Sanitize(s)))
}

// Text extracts the readable text of an HTML fragment with whitespace collapsed.
func Text(s string) string {
	nodes, err := html.ParseFragment(strings.NewReader(s), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return strings.Join(strings.Fields(Strip(s)), " ")
	}

	var (
		b    strings.Builder
		walk func(n *html.Node)
	)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style):
			return
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Snippet is the first [SnippetLength] characters of the text of s,
// with an ellipsis when something was cut.
func Snippet(s string) string {
	text := []rune(Text(s))
	if len(text) <= SnippetLength {
		return string(text)
	}
	return strings.TrimSpace(string(text[:SnippetLength])) + "..."
}
