package upstream

import (
	"fmt"
	"time"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 100

// ExpiredURLError is returned before any network I/O when the URL carries an
// expiry query parameter that is already in the past.
type ExpiredURLError struct {
	URL    string
	Expiry time.Time
}

func (e *ExpiredURLError) Error() string {
	return fmt.Sprintf("upstream URL expired at %s", e.Expiry.UTC().Format(time.RFC3339))
}

// UpstreamFetchError describes the last failed attempt of a fetch. Status is
// zero when no HTTP response was received.
type UpstreamFetchError struct {
	URL      string
	Status   int
	Body     string
	Attempts int
	Err      error

	permanent bool
}

func (e *UpstreamFetchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("Failed: %s | attempts: %d | %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("Failed: %s | Status: %d | Body: %s", e.URL, e.Status, e.Body)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
