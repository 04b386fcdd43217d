package vesper

import (
	"errors"
	"fmt"
)

type (
	// NetworkError is a connection level failure reaching a proxy or upstream.
	NetworkError struct {
		URL string
		Err error
	}

	// HTTPStatusError is a non-2xx response, or a 2xx that turned out to be an HTML error page.
	HTTPStatusError struct {
		URL        string
		StatusCode int
		HTMLPage   bool
	}

	// TimeoutError is an attempt that exceeded its time budget.
	TimeoutError struct {
		URL string
	}

	// ParseError is a body that couldn't be interpreted as any supported feed dialect.
	ParseError struct {
		Fragment string
		Err      error
	}

	// ValidationError is a caller supplied URL that is not acceptable.
	ValidationError struct {
		URL    string
		Reason string
	}

	// FetchError is raised once all candidates and routes are exhausted.
	// It wraps the last concrete failure.
	FetchError struct {
		URL string
		Err error
	}
)

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %s", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *HTTPStatusError) Error() string {
	if e.HTMLPage {
		return fmt.Sprintf("got an html page instead of a feed from %s (status %d)", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code from %s: %d", e.URL, e.StatusCode)
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out fetching %s", e.URL)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error parsing feed: %s (near %q)", e.Err, e.Fragment)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid feed url %q: %s", e.URL, e.Reason)
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("error fetching feed %s: %s", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether an attempt that failed with err is worth repeating.
// Parse and validation failures never are.
func Retryable(err error) bool {
	var (
		netErr     *NetworkError
		statusErr  *HTTPStatusError
		timeoutErr *TimeoutError
	)
	return errors.As(err, &netErr) || errors.As(err, &statusErr) || errors.As(err, &timeoutErr)
}
