// Package locator turns a (source, sourceId, streamNo) triple into a playable
// playlist URL by asking the upstream locator and decoding its answer.
package locator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"github.com/dovakiin0/hls-relay/internal/upstream"
)

// Locator resolves a stream triple to an absolute playlist URL.
type Locator interface {
	Resolve(ctx context.Context, source, sourceID, streamNo string) (string, error)
}

const (
	DefaultKeyHeader = "What"
	DefaultMediaBase = "https://rr.buytommy.top"
)

type Options struct {
	Endpoint  string
	Origin    string
	KeyHeader string
	MediaBase string
	UserAgent string

	// RateLimit caps locator calls per second; zero means unlimited.
	RateLimit int

	// Fallback is consulted only when the locator itself is unreachable or
	// refuses the request. Decode failures are never handed to it.
	Fallback Locator
}

type Resolver struct {
	fetcher  *upstream.Fetcher
	pipeline *Pipeline
	limiter  ratelimit.Limiter
	opts     Options
	log      *logrus.Logger
}

func NewResolver(fetcher *upstream.Fetcher, pipeline *Pipeline, opts Options, log *logrus.Logger) *Resolver {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.MediaBase == "" {
		opts.MediaBase = DefaultMediaBase
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}
	return &Resolver{
		fetcher:  fetcher,
		pipeline: pipeline,
		limiter:  limiter,
		opts:     opts,
		log:      log,
	}
}

// Resolve asks the locator for the stream and decodes the answer. When the
// locator is unreachable and a fallback is configured, the fallback's answer
// is returned instead.
func (r *Resolver) Resolve(ctx context.Context, source, sourceID, streamNo string) (string, error) {
	u, err := r.resolve(ctx, source, sourceID, streamNo)
	if err == nil || r.opts.Fallback == nil {
		return u, err
	}

	var locErr *LocatorError
	if !errors.As(err, &locErr) {
		return "", err
	}

	fields := logrus.Fields{"source": source, "sourceId": sourceID, "streamNo": streamNo}
	r.log.WithFields(fields).WithError(err).Warn("Primary locator failed, trying alternative")

	alt, altErr := r.opts.Fallback.Resolve(ctx, source, sourceID, streamNo)
	if altErr != nil {
		r.log.WithFields(fields).WithError(altErr).Warn("Alternative locator failed")
		return "", err
	}
	return alt, nil
}

func (r *Resolver) resolve(ctx context.Context, source, sourceID, streamNo string) (string, error) {
	body, err := EncodeRequest(source, sourceID, streamNo)
	if err != nil {
		return "", &LocatorError{Source: source, SourceID: sourceID, StreamNo: streamNo, Err: err}
	}

	r.limiter.Take()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := r.fetcher.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		URL:    r.opts.Endpoint,
		Header: r.header(source, sourceID, streamNo),
		Body:   body,
	})
	if err != nil {
		return "", &LocatorError{Source: source, SourceID: sourceID, StreamNo: streamNo, Err: err}
	}

	key := resp.Header.Get(r.opts.KeyHeader)
	if key == "" {
		return "", &MissingKeyHeaderError{Header: r.opts.KeyHeader}
	}

	path, err := r.pipeline.Decode(resp.Body, key)
	if err != nil {
		return "", err
	}

	r.log.WithFields(logrus.Fields{
		"source":   source,
		"sourceId": sourceID,
		"streamNo": streamNo,
		"pipeline": r.pipeline.Version,
	}).Debug("Resolved stream")
	return r.MediaURL(path), nil
}

// DecodeEncoded runs the pipeline on client-supplied base64 text and returns
// the media URL it names.
func (r *Resolver) DecodeEncoded(encoded, key string) (string, error) {
	path, err := r.pipeline.DecodeEncoded(encoded, key)
	if err != nil {
		return "", err
	}
	return r.MediaURL(path), nil
}

// MediaURL prefixes a decoded path with the media origin. Absolute URLs are
// returned unchanged.
func (r *Resolver) MediaURL(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(r.opts.MediaBase, "/") + path
}

func (r *Resolver) header(source, sourceID, streamNo string) http.Header {
	h := upstream.HeaderProfile{
		UserAgent: r.opts.UserAgent,
		Referer:   r.opts.Origin + "/embed/" + source + "/" + sourceID + "/" + streamNo,
		Origin:    r.opts.Origin,
	}.Build("", "")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Language", "en-GB,en-US;q=0.9,en;q=0.8")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	return h
}
