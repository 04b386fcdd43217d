// Package normalize turns raw RSS, Atom, RDF and JSON feed documents into a
// single typed structure, repairing the usual malformations first.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"

	"github.com/jdholdren/vesper/internal/vesper"
)

// Number of bytes of a failing document kept on a ParseError.
const fragmentLength = 200

type (
	// Feed is a normalized feed document.
	Feed struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Description string `json:"description"`
		Items       []Item `json:"items"`
	}

	// Item is a normalized feed entry. Any field may be empty.
	Item struct {
		Title string `json:"title"`
		Link  string `json:"link"`
		// Source declared identifier: the RSS guid or Atom id.
		GUID string `json:"guid"`
		// Raw date string as found in the document.
		PubDate string `json:"pubDate"`
		// PubDate normalized to RFC3339 in UTC, empty when no date could be parsed.
		ISODate string `json:"isoDate"`
		// The richest body available: content:encoded, then content, then summary/description.
		Content string `json:"content"`
		Summary string `json:"summary"`
		Author  string `json:"author"`
		// The RSS comments link, used as an identity fallback.
		Comments string `json:"comments"`
	}
)

// Published is the parsed ISODate, zero when the item had no usable date.
func (i Item) Published() time.Time {
	t, err := time.Parse(time.RFC3339, i.ISODate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Parse repairs and parses a raw feed document.
//
// Failures are always a [*vesper.ParseError].
func Parse(body []byte) (*Feed, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, parseError(body, errors.New("empty document"))
	}
	if trimmed[0] == '{' && !isJSONFeed(trimmed) {
		return DecodeJSON(trimmed)
	}

	parser := gofeed.NewParser()
	parser.RSSTranslator = commentsTranslator{}

	parsed, err := parser.ParseString(Repair(string(trimmed)))
	if err != nil {
		return nil, parseError(body, err)
	}

	return fromGofeed(parsed), nil
}

// commentsTranslator keeps the RSS comments link, which the default translation drops.
type commentsTranslator struct {
	gofeed.DefaultRSSTranslator
}

func (t commentsTranslator) Translate(feed any) (*gofeed.Feed, error) {
	out, err := t.DefaultRSSTranslator.Translate(feed)
	if err != nil {
		return nil, err
	}

	rssFeed, ok := feed.(*rss.Feed)
	if !ok || len(rssFeed.Items) != len(out.Items) {
		return out, nil
	}
	for i, item := range rssFeed.Items {
		if item.Comments == "" {
			continue
		}
		if out.Items[i].Custom == nil {
			out.Items[i].Custom = map[string]string{}
		}
		out.Items[i].Custom["comments"] = item.Comments
	}

	return out, nil
}

func fromGofeed(f *gofeed.Feed) *Feed {
	feed := &Feed{
		Title:       strings.TrimSpace(f.Title),
		Link:        strings.TrimSpace(f.Link),
		Description: strings.TrimSpace(f.Description),
		Items:       make([]Item, 0, len(f.Items)),
	}
	if feed.Link == "" && len(f.Links) > 0 {
		feed.Link = strings.TrimSpace(f.Links[0])
	}

	for _, it := range f.Items {
		if it == nil {
			continue
		}

		item := Item{
			Title:    strings.TrimSpace(it.Title),
			Link:     strings.TrimSpace(it.Link),
			GUID:     strings.TrimSpace(it.GUID),
			Content:  firstNonEmpty(it.Content, it.Description),
			Summary:  strings.TrimSpace(it.Description),
			Comments: strings.TrimSpace(it.Custom["comments"]),
		}
		if item.Link == "" && len(it.Links) > 0 {
			item.Link = strings.TrimSpace(it.Links[0])
		}

		switch {
		case it.Author != nil && it.Author.Name != "":
			item.Author = it.Author.Name
		case len(it.Authors) > 0 && it.Authors[0] != nil:
			item.Author = firstNonEmpty(it.Authors[0].Name, it.Authors[0].Email)
		case it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0:
			item.Author = it.DublinCoreExt.Creator[0]
		}
		item.Author = strings.TrimSpace(item.Author)

		item.PubDate = firstNonEmpty(it.Published, it.Updated)
		switch {
		case it.PublishedParsed != nil:
			item.ISODate = isoDate(*it.PublishedParsed)
		case it.UpdatedParsed != nil:
			item.ISODate = isoDate(*it.UpdatedParsed)
		default:
			item.ISODate = parseDate(it.Published, it.Updated)
		}

		feed.Items = append(feed.Items, item)
	}

	return feed
}

// parseDate returns the first of raw that can be parsed, as RFC3339.
func parseDate(raw ...string) string {
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if t, err := dateparse.ParseAny(r); err == nil {
			return isoDate(t)
		}
	}
	return ""
}

func isoDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func isJSONFeed(body []byte) bool {
	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	return strings.Contains(doc.Version, "jsonfeed.org")
}

func parseError(body []byte, err error) *vesper.ParseError {
	fragment := body
	if len(fragment) > fragmentLength {
		fragment = fragment[:fragmentLength]
	}
	return &vesper.ParseError{
		Fragment: string(fragment),
		Err:      fmt.Errorf("error parsing feed document: %w", err),
	}
}
