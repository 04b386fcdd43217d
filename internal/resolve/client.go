package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

const (
	defaultDialTimeout = 10 * time.Second
	maxRedirects       = 5
)

var ErrPrivateAddress = errors.New("refusing to connect to a private address")

type GuardConfig struct {
	DialTimeout time.Duration
	// Trusted reports hosts that may be private, such as a first-party proxy on localhost.
	Trusted func(host string) bool
}

// NewGuardedClient returns a client that won't connect or be redirected to a
// private address unless the host is trusted.
func NewGuardedClient(config GuardConfig) *http.Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	trusted := config.Trusted
	if trusted == nil {
		trusted = func(string) bool { return false }
	}

	var (
		open = &net.Dialer{Timeout: config.DialTimeout}
		// Hostnames can resolve to internal addresses, so the dialed IP is checked too.
		guarded = &net.Dialer{
			Timeout: config.DialTimeout,
			Control: func(_, address string, _ syscall.RawConn) error {
				host, _, err := net.SplitHostPort(address)
				if err != nil {
					return err
				}
				if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
					return ErrPrivateAddress
				}
				return nil
			},
		}
	)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if host, _, err := net.SplitHostPort(addr); err == nil && trusted(host) {
			return open.DialContext(ctx, network, addr)
		}
		return guarded.DialContext(ctx, network, addr)
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if host := req.URL.Hostname(); IsPrivateHost(host) && !trusted(host) {
				return ErrPrivateAddress
			}
			return nil
		},
	}
}
