package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/dovakiin0/hls-relay/internal/failure"
	"github.com/dovakiin0/hls-relay/internal/manifest"
	"github.com/dovakiin0/hls-relay/internal/session"
	"github.com/dovakiin0/hls-relay/internal/upstream"
)

// Segment serves GET /{segment}.
func (h *Handler) Segment(c echo.Context) error {
	return h.serveMedia(c, unescape(c.Param("segment")), upstream.KindSegment)
}

// Key serves GET /key/{path}.
func (h *Handler) Key(c echo.Context) error {
	return h.serveMedia(c, manifest.KeyPrefix+unescape(c.Param("*")), upstream.KindKey)
}

func unescape(p string) string {
	if u, err := url.PathUnescape(p); err == nil {
		return u
	}
	return p
}

func resourceLabel(kind upstream.Kind) string {
	if kind == upstream.KindKey {
		return "key"
	}
	return "segment"
}

// mediaKey scopes segment and key failures to a match and the segment origin.
func mediaKey(sess session.Session, upstreamURL string) failure.Key {
	matchID := sess.MatchID
	if matchID == "" {
		matchID = sess.ID
	}
	scope := sess.SegmentPrefix
	if scope == "" {
		if u, err := url.Parse(upstreamURL); err == nil {
			scope = u.Host
		}
	}
	return failure.Key{MatchID: matchID, Scope: "media:" + scope}
}

func (h *Handler) serveMedia(c echo.Context, name string, kind upstream.Kind) error {
	sess := session.FromQuery(c.QueryParams(), h.opts.Now())
	resource := resourceLabel(kind)
	log := h.Log.WithFields(logrus.Fields{"session": sess.ID, "name": name})

	upstreamURL, ok := h.Segments.Get(sess.ID, name)
	if !ok {
		h.Metrics.IncCacheMisses(resource)
		upstreamURL, ok = h.heuristicURL(sess, name)
		if !ok {
			h.Metrics.IncErrors("not-found")
			log.Info("Segment not in session table")
			return c.String(http.StatusNotFound, "Segment not found: "+name)
		}
		log.WithField("url", redact(upstreamURL)).Debug("Using heuristic segment URL")
	}

	key := mediaKey(sess, upstreamURL)
	if h.Failures.IsBlocked(key) {
		h.Metrics.IncBlocked(resource)
		return h.failText(c, errBlocked)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	resp, err := h.fetchMedia(ctx, upstreamURL, sess)
	if err != nil {
		var expired *upstream.ExpiredURLError
		if !errors.As(err, &expired) {
			count := h.Failures.RecordFailure(key)
			log.WithError(err).WithField("failures", count).Warn("Segment fetch failed")
		}
		return h.failText(c, err)
	}
	h.Failures.RecordSuccess(key)

	return c.Blob(http.StatusOK, upstream.CorrectContentType(resp.ContentType, kind), resp.Body)
}

// fetchMedia fetches a segment or key, retrying once through the secondary
// relay when one is configured.
func (h *Handler) fetchMedia(ctx context.Context, upstreamURL string, sess session.Session) (*upstream.Response, error) {
	header := h.opts.Profile.Build(sess.Cookies, sess.StreamType)
	resp, err := h.Fetcher.Fetch(ctx, upstreamURL, header)
	if err == nil || h.opts.RelayHost == "" {
		return resp, err
	}

	var expired *upstream.ExpiredURLError
	if errors.As(err, &expired) || ctx.Err() != nil {
		return nil, err
	}

	relayed, relayErr := h.Fetcher.Do(ctx, upstream.Request{
		URL:         h.relayURL(upstreamURL),
		Header:      header,
		MaxAttempts: 1,
	})
	if relayErr != nil {
		h.Log.WithError(relayErr).WithField("url", redact(upstreamURL)).Warn("Relay fetch failed")
		return nil, err
	}
	h.Metrics.IncFallbacks("relay")
	return relayed, nil
}

func (h *Handler) relayURL(upstreamURL string) string {
	return h.opts.RelayHost + "/?destination=" + url.QueryEscape(upstreamURL)
}

// heuristicURL reconstructs an upstream URL for a name the session table
// doesn't know, using the segment prefix the client supplied.
func (h *Handler) heuristicURL(sess session.Session, name string) (string, bool) {
	if h.opts.SegmentFallbackBase == "" || !sess.HasSegmentPrefix() {
		return "", false
	}
	base := h.opts.SegmentFallbackBase + "/" + strings.Trim(sess.SegmentPrefix, "/") + "/"

	if keyPath, ok := strings.CutPrefix(name, manifest.KeyPrefix); ok {
		if keyPath == "" {
			return "", false
		}
		return base + keyPath, true
	}
	if stem, ok := strings.CutSuffix(name, ".ts"); ok {
		name = stem + ".js"
	}
	return base + name, true
}
