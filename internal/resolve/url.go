package resolve

import (
	"net"
	"net/url"
	"strings"

	"github.com/jdholdren/vesper/internal/vesper"
)

// NormalizeURL trims raw and assumes https when no scheme was given.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &vesper.ValidationError{URL: raw, Reason: "feed url is required"}
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &vesper.ValidationError{URL: raw, Reason: "not an absolute url"}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	return u.String(), nil
}

// ValidateFeedURL normalizes raw and rejects anything that isn't a public http(s) address.
func ValidateFeedURL(raw string) (*url.URL, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return nil, &vesper.ValidationError{URL: raw, Reason: "not an absolute url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &vesper.ValidationError{URL: raw, Reason: "only http and https are supported"}
	}
	if u.User != nil {
		return nil, &vesper.ValidationError{URL: raw, Reason: "credentials in urls are not supported"}
	}
	if IsPrivateHost(u.Hostname()) {
		return nil, &vesper.ValidationError{URL: raw, Reason: "private addresses are not allowed"}
	}

	return u, nil
}

var privateSuffixes = []string{".localhost", ".internal", ".local"}

// IsPrivateHost reports whether host names a loopback, private, or link-local address,
// or one of the reserved local names.
func IsPrivateHost(host string) bool {
	hostname := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	hostname = strings.Trim(hostname, "[]")
	switch hostname {
	case "", "localhost", "ip6-localhost", "ip6-loopback":
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}

	return false
}

// IsPrivateIP reports whether ip points to a local or internal range.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}
