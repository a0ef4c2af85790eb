// Package upstream performs outbound requests to the video origin with
// spoofed browser headers, expiry checks and bounded retry.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	DefaultMaxAttempts = 2
	DefaultBackoff     = time.Second
)

// Request is one logical upstream call; it may be attempted several times.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// MaxAttempts overrides the fetcher default when positive.
	MaxAttempts int
}

// Response is a fully read 2xx upstream response.
type Response struct {
	URL         string
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
	Attempts    int
}

// Options configures a Fetcher. Zero values select the defaults, except
// Backoff: zero or negative retries immediately.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration

	// Retryable reports whether an upstream status is worth another attempt.
	Retryable func(status int) bool

	Now func() time.Time

	// OnAttempt is called before every network attempt.
	OnAttempt func(req Request)
}

// DefaultRetryable retries the statuses the origin returns while a segment
// is still being published or a node is briefly unhealthy.
func DefaultRetryable(status int) bool {
	return status == http.StatusNotFound || status == http.StatusInternalServerError
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	opts   Options
}

func NewFetcher(client *http.Client, opts Options) *Fetcher {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retryable == nil {
		opts.Retryable = DefaultRetryable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{client: client, opts: opts}
}

// Fetch issues a GET for rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return f.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// Do runs req with retry. An expired URL fails with *ExpiredURLError without
// touching the network; exhausted attempts fail with *UpstreamFetchError
// describing the last attempt.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Response, error) {
	if err := CheckExpiry(req.URL, f.opts.Now()); err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	attempts := f.opts.MaxAttempts
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}

	builder := retrypolicy.NewBuilder[*Response]().
		HandleIf(func(_ *Response, err error) bool {
			return f.shouldRetry(err)
		}).
		WithMaxRetries(attempts - 1)
	if f.opts.Backoff > 0 {
		builder = builder.WithDelay(f.opts.Backoff)
	}

	var (
		n       int
		lastErr error
	)
	resp, err := failsafe.With(builder.Build()).WithContext(ctx).Get(func() (*Response, error) {
		n++
		r, err := f.attempt(ctx, req, n)
		lastErr = err
		return r, err
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &UpstreamFetchError{URL: req.URL, Attempts: n, Err: err}
	}
	return resp, nil
}

func (f *Fetcher) attempt(ctx context.Context, req Request, n int) (*Response, error) {
	if f.opts.OnAttempt != nil {
		f.opts.OnAttempt(req)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &UpstreamFetchError{URL: req.URL, Attempts: n, Err: err, permanent: true}
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamFetchError{URL: req.URL, Attempts: n, Err: err}
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, &UpstreamFetchError{URL: req.URL, Status: resp.StatusCode, Attempts: n, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamFetchError{
			URL:      req.URL,
			Status:   resp.StatusCode,
			Body:     truncate(string(data), maxErrorBody),
			Attempts: n,
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Response{
		URL:         req.URL,
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: contentType,
		Body:        data,
		Attempts:    n,
	}, nil
}

func (f *Fetcher) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var fe *UpstreamFetchError
	if !errors.As(err, &fe) {
		return false
	}
	if fe.permanent || errors.Is(fe.Err, context.Canceled) {
		return false
	}
	if fe.Err != nil {
		return true
	}
	return f.opts.Retryable(fe.Status)
}

// CheckExpiry inspects the expiry query parameter (unix seconds, or
// milliseconds for values past year 33658) and reports whether now is past it.
// URLs without a parseable expiry never expire.
func CheckExpiry(rawURL string, now time.Time) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	raw := u.Query().Get("expiry")
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	var expiry time.Time
	if v > 1e12 {
		expiry = time.UnixMilli(v)
	} else {
		expiry = time.Unix(v, 0)
	}
	if now.After(expiry) {
		return &ExpiredURLError{URL: rawURL, Expiry: expiry}
	}
	return nil
}
