package normalize

import (
	"encoding/json"
	"errors"
)

// The pre-normalized JSON shape a relay may answer with instead of the raw document.
type (
	jsonFeed struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Description string `json:"description"`
		// Nil when the document has no items array, which means it isn't a feed at all.
		Items *[]jsonItem `json:"items"`
	}

	jsonItem struct {
		Title          string `json:"title"`
		Link           string `json:"link"`
		GUID           string `json:"guid"`
		ID             string `json:"id"`
		Comments       string `json:"comments"`
		PubDate        string `json:"pubDate"`
		ISODate        string `json:"isoDate"`
		Published      string `json:"published"`
		Updated        string `json:"updated"`
		ContentEncoded string `json:"content:encoded"`
		Content        string `json:"content"`
		Summary        string `json:"summary"`
		Description    string `json:"description"`
		Author         string `json:"author"`
		Creator        string `json:"creator"`
		DCCreator      string `json:"dc:creator"`
	}
)

// DecodeJSON reads a feed from its JSON form, as produced by encoding a [Feed]
// or by relays that speak the rss-parser dialect.
func DecodeJSON(body []byte) (*Feed, error) {
	var jf jsonFeed
	if err := json.Unmarshal(body, &jf); err != nil {
		return nil, parseError(body, err)
	}
	if jf.Items == nil {
		return nil, parseError(body, errors.New("json document has no items"))
	}

	feed := &Feed{
		Title:       firstNonEmpty(jf.Title),
		Link:        firstNonEmpty(jf.Link),
		Description: firstNonEmpty(jf.Description),
		Items:       make([]Item, 0, len(*jf.Items)),
	}
	for _, it := range *jf.Items {
		summary := firstNonEmpty(it.Summary, it.Description)
		feed.Items = append(feed.Items, Item{
			Title:    firstNonEmpty(it.Title),
			Link:     firstNonEmpty(it.Link),
			GUID:     firstNonEmpty(it.GUID, it.ID),
			PubDate:  firstNonEmpty(it.PubDate, it.Published, it.Updated, it.ISODate),
			ISODate:  parseDate(it.ISODate, it.PubDate, it.Published, it.Updated),
			Content:  firstNonEmpty(it.ContentEncoded, it.Content, summary),
			Summary:  summary,
			Author:   firstNonEmpty(it.Author, it.Creator, it.DCCreator),
			Comments: firstNonEmpty(it.Comments),
		})
	}

	return feed, nil
}
