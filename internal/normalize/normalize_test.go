package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/vesper/internal/vesper"
)

const testRSSFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Test RSS Feed</title>
    <description>A test RSS feed</description>
    <link>https://example.com</link>
    <item>
      <title>RSS Post One</title>
      <link>https://example.com/post-1</link>
      <guid>rss-guid-1</guid>
      <description>First RSS post description</description>
      <content:encoded><![CDATA[<p>First <b>full</b> body</p>]]></content:encoded>
      <dc:creator>Jane</dc:creator>
      <pubDate>Mon, 01 Jan 2024 12:00:00 GMT</pubDate>
    </item>
    <item>
      <title>RSS Post Two</title>
      <comments>https://example.com/post-2#comments</comments>
      <description>Second RSS post description</description>
      <pubDate>not a date</pubDate>
    </item>
  </channel>
</rss>`

const testAtomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Test Atom Feed</title>
  <subtitle>A test Atom feed</subtitle>
  <link href="https://example.com" rel="alternate"/>
  <entry>
    <title>Atom Post One</title>
    <id>atom-id-1</id>
    <link href="https://example.com/atom-1" rel="alternate"/>
    <summary>First Atom post summary</summary>
    <author><name>Sam</name></author>
    <updated>2024-01-01T12:00:00Z</updated>
  </entry>
  <entry>
    <title>Atom Post Two</title>
    <id>atom-id-2</id>
    <link href="https://example.com/atom-2" rel="alternate"/>
    <content>Second Atom post content body</content>
    <published>2024-01-02T12:00:00+02:00</published>
  </entry>
</feed>`

const testRDFFeed = `<?xml version="1.0"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#" xmlns="http://purl.org/rss/1.0/" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel rdf:about="https://example.com/rdf">
    <title>Test RDF Feed</title>
    <link>https://example.com</link>
    <description>RDF</description>
  </channel>
  <item rdf:about="https://example.com/rdf-1">
    <title>RDF Post</title>
    <link>https://example.com/rdf-1</link>
    <dc:date>2024-03-04T05:06:07Z</dc:date>
  </item>
</rdf:RDF>`

func TestParse_RSS(t *testing.T) {
	feed, err := Parse([]byte(testRSSFeed))
	require.NoError(t, err)

	assert.Equal(t, "Test RSS Feed", feed.Title)
	assert.Equal(t, "https://example.com", feed.Link)
	assert.Equal(t, "A test RSS feed", feed.Description)
	require.Len(t, feed.Items, 2)

	one := feed.Items[0]
	assert.Equal(t, "RSS Post One", one.Title)
	assert.Equal(t, "https://example.com/post-1", one.Link)
	assert.Equal(t, "rss-guid-1", one.GUID)
	assert.Equal(t, "<p>First <b>full</b> body</p>", one.Content, "content:encoded wins over description")
	assert.Equal(t, "First RSS post description", one.Summary)
	assert.Equal(t, "Jane", one.Author)
	assert.Equal(t, "2024-01-01T12:00:00Z", one.ISODate)
	assert.False(t, one.Published().IsZero())

	two := feed.Items[1]
	assert.Empty(t, two.GUID)
	assert.Equal(t, "https://example.com/post-2#comments", two.Comments)
	assert.Equal(t, "Second RSS post description", two.Content)
	assert.Equal(t, "not a date", two.PubDate)
	assert.Empty(t, two.ISODate, "unparseable dates are absent")
	assert.True(t, two.Published().IsZero())
}

func TestParse_Atom(t *testing.T) {
	feed, err := Parse([]byte(testAtomFeed))
	require.NoError(t, err)

	assert.Equal(t, "Test Atom Feed", feed.Title)
	assert.Equal(t, "https://example.com", feed.Link)
	require.Len(t, feed.Items, 2)

	assert.Equal(t, "atom-id-1", feed.Items[0].GUID)
	assert.Equal(t, "https://example.com/atom-1", feed.Items[0].Link)
	assert.Equal(t, "First Atom post summary", feed.Items[0].Content)
	assert.Equal(t, "Sam", feed.Items[0].Author)
	assert.Equal(t, "2024-01-01T12:00:00Z", feed.Items[0].ISODate)

	assert.Equal(t, "Second Atom post content body", feed.Items[1].Content)
	assert.Equal(t, "2024-01-02T10:00:00Z", feed.Items[1].ISODate, "normalized to UTC")
}

func TestParse_RDF(t *testing.T) {
	feed, err := Parse([]byte(testRDFFeed))
	require.NoError(t, err)

	assert.Equal(t, "Test RDF Feed", feed.Title)
	require.Len(t, feed.Items, 1)
	assert.Equal(t, "https://example.com/rdf-1", feed.Items[0].Link)
	assert.Equal(t, "2024-03-04T05:06:07Z", feed.Items[0].ISODate)
}

func TestParse_Malformed(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Broken</title><link>http://example.com</link>
<item><title>A</title><link/>http://example.com/a</link><guid>a-1</guid>
<description><![CDATA[<p>Hello <b>there</b></p></description>
</item></channel></rss>`

	feed, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)

	assert.Equal(t, "http://example.com/a", feed.Items[0].Link)
	assert.Equal(t, "a-1", feed.Items[0].GUID)
	assert.Equal(t, "<p>Hello <b>there</b></p>", feed.Items[0].Content)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		fragment string
	}{
		{name: "html page", input: "<!DOCTYPE html><html><body>Not found</body></html>", fragment: "<!DOCTYPE html>"},
		{name: "empty", input: "  ", fragment: "  "},
		{name: "broken json", input: `{"title": `, fragment: `{"title": `},
		{name: "empty json object", input: `{}`, fragment: `{}`},
		{name: "relay error object", input: `{"error":"upstream blocked"}`, fragment: `upstream blocked`},
		{name: "json without items", input: `{"status":"ok","data":[1,2]}`, fragment: `"status"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)

			var parseErr *vesper.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Contains(t, parseErr.Fragment, tt.fragment)
		})
	}
}

func TestParse_FragmentIsBounded(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = 'x'
	}

	_, err := Parse(body)
	var parseErr *vesper.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Len(t, parseErr.Fragment, fragmentLength)
}

func TestDecodeJSON(t *testing.T) {
	const body = `{
		"title": "Relayed",
		"link": "https://example.com",
		"items": [
			{
				"title": "One",
				"id": "one-id",
				"content:encoded": "<p>rich</p>",
				"content": "plain",
				"contentSnippet": "plain",
				"creator": "Ann",
				"pubDate": "Tue, 02 Jan 2024 12:00:00 GMT"
			},
			{"title": "Two", "guid": "two", "summary": "short", "isoDate": "2024-01-03T00:00:00.000Z"}
		]
	}`

	feed, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, feed.Items, 2)

	assert.Equal(t, "Relayed", feed.Title)
	assert.Equal(t, "one-id", feed.Items[0].GUID)
	assert.Equal(t, "<p>rich</p>", feed.Items[0].Content)
	assert.Equal(t, "Ann", feed.Items[0].Author)
	assert.Equal(t, "2024-01-02T12:00:00Z", feed.Items[0].ISODate)

	assert.Equal(t, "short", feed.Items[1].Content)
	assert.Equal(t, "2024-01-03T00:00:00Z", feed.Items[1].ISODate)
}

func TestDecodeJSON_ReadsEncodedFeed(t *testing.T) {
	feed, err := Parse([]byte(testAtomFeed))
	require.NoError(t, err)

	byts, err := json.Marshal(feed)
	require.NoError(t, err)

	again, err := DecodeJSON(byts)
	require.NoError(t, err)
	assert.Equal(t, feed, again)
}
