package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dovakiin0/hls-relay/internal/cache"
	"github.com/dovakiin0/hls-relay/internal/failure"
	"github.com/dovakiin0/hls-relay/internal/locator"
	"github.com/dovakiin0/hls-relay/internal/manifest"
	"github.com/dovakiin0/hls-relay/internal/metrics"
	"github.com/dovakiin0/hls-relay/internal/upstream"
)

// Decoder turns client-supplied encoded locator output into a media URL.
type Decoder interface {
	DecodeEncoded(encoded, key string) (string, error)
}

type Deps struct {
	Fetcher  *upstream.Fetcher
	Locator  locator.Locator
	Decoder  Decoder
	Segments *cache.SegmentMap
	LastGood cache.LastGood
	Failures *failure.Tracker
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
}

type Options struct {
	// PublicBaseURL is written into rewritten playlists. When empty the
	// request's own scheme and host are used.
	PublicBaseURL string

	Profile upstream.HeaderProfile

	SegmentFallbackBase string
	RelayHost           string

	// FallbackPlaylist is served, rewritten, when a failing playlist has no
	// usable last-good URL.
	FallbackPlaylist []byte

	DefaultKey     string
	RequestTimeout time.Duration

	Now func() time.Time
}

// Handler serves the relay's HTTP surface.
type Handler struct {
	Deps
	opts  Options
	group singleflight.Group
}

func New(deps Deps, opts Options) *Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	opts.SegmentFallbackBase = strings.TrimRight(opts.SegmentFallbackBase, "/")
	opts.RelayHost = strings.TrimRight(opts.RelayHost, "/")
	return &Handler{Deps: deps, opts: opts}
}

// errBlocked is reported when a failure key is short-circuited.
var errBlocked = errors.New("upstream temporarily unavailable: too many recent failures")

// requestContext bounds a request's upstream work by the client connection
// and the configured deadline.
func (h *Handler) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.opts.RequestTimeout)
}

func (h *Handler) proxyOrigin(c echo.Context) string {
	if h.opts.PublicBaseURL != "" {
		return h.opts.PublicBaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// statusFor maps the relay's typed errors to HTTP status codes.
func statusFor(err error) int {
	var (
		missing *manifest.MissingParameterError
		expired *upstream.ExpiredURLError
	)
	switch {
	case errors.Is(err, errBlocked):
		return http.StatusServiceUnavailable
	case errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &expired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// errorKind labels err for metrics and logs.
func errorKind(err error) string {
	var (
		missing    *manifest.MissingParameterError
		expired    *upstream.ExpiredURLError
		invalid    *manifest.InvalidManifestError
		fetchErr   *upstream.UpstreamFetchError
		locErr     *locator.LocatorError
		missingKey *locator.MissingKeyHeaderError
		decodeErr  *locator.DecodeError
	)
	switch {
	case errors.Is(err, errBlocked):
		return "blocked"
	case errors.As(err, &missing):
		return "missing-parameter"
	case errors.As(err, &expired):
		return "expired"
	case errors.As(err, &invalid):
		return "invalid-manifest"
	case errors.As(err, &locErr):
		return "locator"
	case errors.As(err, &missingKey):
		return "missing-key-header"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &fetchErr):
		return "upstream"
	default:
		return "internal"
	}
}

// failText answers a playlist, segment or key request with a plain-text error.
func (h *Handler) failText(c echo.Context, err error) error {
	status := statusFor(err)
	h.observeError(c, err, status)
	return c.String(status, err.Error())
}

// failJSON answers a JSON endpoint with {"error": message}.
func (h *Handler) failJSON(c echo.Context, err error) error {
	status := statusFor(err)
	h.observeError(c, err, status)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (h *Handler) observeError(c echo.Context, err error, status int) {
	kind := errorKind(err)
	h.Metrics.IncErrors(kind)

	entry := h.Log.WithFields(logrus.Fields{
		"path":   c.Request().URL.Path,
		"status": status,
		"kind":   kind,
	}).WithError(err)
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
}
