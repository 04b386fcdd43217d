// Package resolve works out where to fetch a subscribed feed from: the URL
// variants worth trying and the proxy routes to try each of them through.
package resolve

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Quirk rewrites URLs of a syndication host that needs special handling.
type Quirk struct {
	Name  string
	Hosts []string
	// Variants returns format-qualified alternatives of u, most preferred first.
	Variants func(u url.URL) []string
}

// Quirks are the host specific rewrites applied by [Resolver.Candidates].
var Quirks = []Quirk{
	{
		// FeedBurner serves an HTML landing page unless asked for a format explicitly,
		// and its tracking redirects (/~r/<name>/...) don't resolve to the feed.
		Name:     "feedburner",
		Hosts:    []string{"feeds.feedburner.com", "feeds2.feedburner.com", "feedproxy.google.com"},
		Variants: feedburnerVariants,
	},
}

func feedburnerVariants(u url.URL) []string {
	u.Host = "feeds.feedburner.com"
	if rest, ok := strings.CutPrefix(u.Path, "/~r/"); ok {
		name, _, _ := strings.Cut(rest, "/")
		u.Path = "/" + name
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""

	q := u.Query()
	if q.Has("format") {
		return []string{u.String()}
	}

	var out []string
	for _, format := range []string{"xml", "rss"} {
		q.Set("format", format)
		u.RawQuery = q.Encode()
		out = append(out, u.String())
	}
	return out
}

type (
	RouteKind int

	// Route is one way of reaching an upstream URL.
	Route struct {
		Kind RouteKind
		// Proxy endpoint for FirstParty routes, URL prefix for External ones.
		Endpoint string
	}

	Config struct {
		// Endpoint of the first-party proxy, e.g. http://localhost:4444/api/fetch-feed.
		FirstPartyProxy string
		// Prefixes the encoded target URL is appended to, e.g. https://relay.example/raw?url=.
		ExternalRelays []string
		// Try the first-party proxy before the external relays. Relays go first
		// otherwise, except on refresh.
		PreferFirstParty bool
	}

	Resolver struct {
		config Config
	}
)

const (
	Direct RouteKind = iota
	FirstParty
	External
)

func (k RouteKind) String() string {
	switch k {
	case FirstParty:
		return "first-party"
	case External:
		return "external"
	default:
		return "direct"
	}
}

// URL is the address to request to fetch target through r.
func (r Route) URL(target string, refresh bool) string {
	switch r.Kind {
	case FirstParty:
		sep := "?"
		if strings.Contains(r.Endpoint, "?") {
			sep = "&"
		}
		return r.Endpoint + sep + "url=" + url.QueryEscape(target) + "&refresh=" + strconv.FormatBool(refresh)
	case External:
		return r.Endpoint + url.QueryEscape(target)
	default:
		return target
	}
}

func New(config Config) Resolver {
	return Resolver{config: config}
}

// Candidates returns the URLs to try for a feed, in order: the normalized URL,
// then format-qualified variants, then everything again with the protocol flipped.
func (r Resolver) Candidates(feedURL string) ([]string, error) {
	primary, err := NormalizeURL(feedURL)
	if err != nil {
		return nil, err
	}

	out := []string{primary}
	if u, err := url.Parse(primary); err == nil {
		for _, q := range Quirks {
			if slices.Contains(q.Hosts, u.Hostname()) {
				out = append(out, q.Variants(*u)...)
			}
		}
	}

	for _, c := range slices.Clone(out) {
		if flipped, ok := flipScheme(c); ok {
			out = append(out, flipped)
		}
	}

	return dedupe(out), nil
}

// Routes returns the proxy routes to try for every candidate, in order.
//
// Explicit refreshes go to the first-party proxy first since it honors the
// refresh flag for caching.
func (r Resolver) Routes(refresh bool) []Route {
	var (
		first    []Route
		external []Route
	)
	if r.config.FirstPartyProxy != "" {
		first = append(first, Route{Kind: FirstParty, Endpoint: r.config.FirstPartyProxy})
	}
	for _, relay := range r.config.ExternalRelays {
		if relay = strings.TrimSpace(relay); relay != "" {
			external = append(external, Route{Kind: External, Endpoint: relay})
		}
	}
	if len(first) == 0 && len(external) == 0 {
		return []Route{{Kind: Direct}}
	}

	if !r.config.PreferFirstParty && !refresh {
		return append(external, first...)
	}
	return append(first, external...)
}

// RouteHosts returns the hostnames of the configured proxy and relay endpoints.
func (r Resolver) RouteHosts() []string {
	var hosts []string
	for _, endpoint := range append([]string{r.config.FirstPartyProxy}, r.config.ExternalRelays...) {
		u, err := url.Parse(strings.TrimSpace(endpoint))
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, u.Hostname())
	}
	return dedupe(hosts)
}

func flipScheme(raw string) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "http://" + strings.TrimPrefix(raw, "https://"), true
	case strings.HasPrefix(raw, "http://"):
		return "https://" + strings.TrimPrefix(raw, "http://"), true
	default:
		return "", false
	}
}

func dedupe(urls []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
