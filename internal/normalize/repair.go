package normalize

import (
	"regexp"
	"strings"
)

// Rule is a single named repair applied to a raw document before it is parsed.
//
// Most rules are a pattern and its replacement; Fix is used for repairs a
// pattern can't express.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
	Fix         func(doc string) string
}

// Apply runs the rule over doc.
func (r Rule) Apply(doc string) string {
	if r.Fix != nil {
		return r.Fix(doc)
	}
	return r.Pattern.ReplaceAllString(doc, r.Replacement)
}

// Rules are the repairs [Repair] applies, in order.
var Rules = []Rule{
	{
		// <link/>https://example.com/a</link> and <guid/>https://... into a proper pair.
		Name:        "self-closing-link-guid",
		Pattern:     regexp.MustCompile(`(?i)<(link|guid)\s*/>\s*(https?://[^\s<]+)(?:\s*</(?:link|guid)\s*>)?`),
		Replacement: "<$1>$2</$1>",
	},
	{
		Name:        "spaced-cdata-terminator",
		Pattern:     regexp.MustCompile(`\]\]\s+>`),
		Replacement: "]]>",
	},
	{
		Name: "balance-cdata",
		Fix:  balanceCDATA,
	},
}

// Repair applies every rule in [Rules] to doc.
func Repair(doc string) string {
	for _, r := range Rules {
		doc = r.Apply(doc)
	}
	return doc
}

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

var startTagPattern = regexp.MustCompile(`<([A-Za-z][\w:.-]*)[^<>]*>`)

// balanceCDATA closes every CDATA section that is missing its terminator.
//
// A dangling section is closed right before the end tag of the element it was
// opened in. When that can't be found the closer goes at the end of the document.
func balanceCDATA(doc string) string {
	var (
		b       strings.Builder
		pos     int
		missing int
	)
	for {
		rel := strings.Index(doc[pos:], cdataOpen)
		if rel < 0 {
			break
		}
		start := pos + rel
		body := start + len(cdataOpen)

		end := strings.Index(doc[body:], cdataClose)
		next := strings.Index(doc[body:], cdataOpen)
		if end >= 0 && (next < 0 || end < next) {
			// Well formed, copy through the terminator.
			stop := body + end + len(cdataClose)
			b.WriteString(doc[pos:stop])
			pos = stop
			continue
		}

		// Dangling: the section can run no further than the next one.
		limit := len(doc)
		if next >= 0 {
			limit = body + next
		}
		closeAt := -1
		if name := enclosingElement(doc[:start]); name != "" {
			if i := strings.Index(doc[body:limit], "</"+name); i >= 0 {
				closeAt = body + i
			}
		}
		if closeAt < 0 {
			b.WriteString(doc[pos:limit])
			pos = limit
			missing++
			continue
		}

		b.WriteString(doc[pos:closeAt])
		b.WriteString(cdataClose)
		pos = closeAt
	}
	b.WriteString(doc[pos:])
	b.WriteString(strings.Repeat(cdataClose, missing))

	return b.String()
}

// enclosingElement is the name of the last start tag in doc that isn't self-closed.
func enclosingElement(doc string) string {
	matches := startTagPattern.FindAllStringSubmatch(doc, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if strings.HasSuffix(matches[i][0], "/>") {
			continue
		}
		return matches[i][1]
	}
	return ""
}
