package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/dovakiin0/hls-relay/internal/failure"
	"github.com/dovakiin0/hls-relay/internal/manifest"
	"github.com/dovakiin0/hls-relay/internal/session"
	"github.com/dovakiin0/hls-relay/internal/upstream"
)

// playlistKey scopes playlist failures to a match and its upstream source.
// Requests without a match ID are tracked per playlist URL.
func playlistKey(sess session.Session, target string) failure.Key {
	matchID := sess.MatchID
	if matchID == "" {
		matchID = target
	}
	scope := "playlist"
	if sess.Source != "" {
		scope += ":" + sess.Source
	}
	return failure.Key{MatchID: matchID, Scope: scope}
}

// Playlist serves GET /playlist.m3u8: fetch, validate and rewrite the upstream
// playlist, falling back to the last good URL or the static playlist once the
// key has failed often enough.
func (h *Handler) Playlist(c echo.Context) error {
	target := c.QueryParam("url")
	if target == "" {
		return h.failText(c, &manifest.MissingParameterError{Param: "url"})
	}

	sess := session.FromQuery(c.QueryParams(), h.opts.Now())
	key := playlistKey(sess, target)
	log := h.Log.WithFields(logrus.Fields{"session": sess.ID, "matchId": sess.MatchID, "source": sess.Source})

	if h.Failures.IsBlocked(key) {
		h.Metrics.IncBlocked("playlist")
		return h.failText(c, errBlocked)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	playlistURL := target
	text, err := h.fetchPlaylist(ctx, target, sess, &key)
	if err != nil {
		fallbackURL, fallbackText, ok := h.playlistFallback(ctx, key, sess, target)
		if !ok {
			if h.Failures.IsBlocked(key) {
				return h.failText(c, errBlocked)
			}
			return h.failText(c, err)
		}
		playlistURL, text = fallbackURL, fallbackText
	}

	res, err := manifest.Rewrite(text, manifest.Options{
		PlaylistURL: playlistURL,
		ProxyOrigin: h.proxyOrigin(c),
		Session:     sess,
	})
	if err != nil {
		return h.failText(c, err)
	}
	if !res.Master {
		h.Segments.Replace(sess.ID, res.Segments)
	}

	log.WithFields(logrus.Fields{"entries": len(res.Segments), "master": res.Master}).Debug("Rewrote playlist")
	return c.Blob(http.StatusOK, upstream.PlaylistContentType, []byte(res.Text))
}

// fetchPlaylist fetches and validates one playlist. Concurrent requests for
// the same playlist and identity share a single upstream call. When track is
// set, the shared call's outcome is recorded against it once, however many
// requests were waiting on it.
func (h *Handler) fetchPlaylist(ctx context.Context, target string, sess session.Session, track *failure.Key) (string, error) {
	flightKey := target + "\x00" + sess.Cookies + "\x00" + sess.StreamType
	if track != nil {
		flightKey = track.String() + "\x00" + flightKey
	}
	v, err, _ := h.group.Do(flightKey, func() (any, error) {
		// Not bound to the first caller's connection; every waiter shares it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.RequestTimeout)
		defer cancel()

		text, err := h.fetchValidPlaylist(fetchCtx, target, sess)
		if track != nil {
			h.recordPlaylistResult(fetchCtx, *track, sess, target, err)
		}
		if err != nil {
			return nil, err
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *Handler) fetchValidPlaylist(ctx context.Context, target string, sess session.Session) (string, error) {
	resp, err := h.Fetcher.Fetch(ctx, target, h.opts.Profile.Build(sess.Cookies, sess.StreamType))
	if err != nil {
		return "", err
	}
	text := string(resp.Body)
	if !manifest.Valid(text) {
		return "", &manifest.InvalidManifestError{URL: target}
	}
	return text, nil
}

// recordPlaylistResult updates the failure tracker and the last good URL.
// Expired URLs never reached the upstream and are not counted.
func (h *Handler) recordPlaylistResult(ctx context.Context, key failure.Key, sess session.Session, target string, err error) {
	if err == nil {
		h.Failures.RecordSuccess(key)
		h.LastGood.Remember(ctx, sess.MatchID, target)
		return
	}
	var expired *upstream.ExpiredURLError
	if errors.As(err, &expired) {
		return
	}
	count := h.Failures.RecordFailure(key)
	h.Log.WithFields(logrus.Fields{"session": sess.ID, "matchId": sess.MatchID, "source": sess.Source}).
		WithError(err).WithField("failures", count).Warn("Playlist fetch failed")
}

// playlistFallback returns a substitute playlist for a fallback-eligible key:
// the last URL that served a valid playlist for the match, then the static
// fallback playlist.
func (h *Handler) playlistFallback(ctx context.Context, key failure.Key, sess session.Session, target string) (string, string, bool) {
	if !h.Failures.ShouldFallback(key) {
		return "", "", false
	}
	log := h.Log.WithFields(logrus.Fields{"session": sess.ID, "matchId": sess.MatchID})

	if lastGood, ok := h.LastGood.Lookup(ctx, sess.MatchID); ok && lastGood != target {
		text, err := h.fetchPlaylist(ctx, lastGood, sess, nil)
		if err == nil {
			h.Metrics.IncFallbacks("last-good")
			log.WithField("url", redact(lastGood)).Info("Serving last good playlist")
			return lastGood, text, true
		}
		log.WithError(err).Warn("Last good playlist failed too")
	}

	if len(h.opts.FallbackPlaylist) > 0 && manifest.Valid(string(h.opts.FallbackPlaylist)) {
		h.Metrics.IncFallbacks("static")
		log.Info("Serving static fallback playlist")
		return target, string(h.opts.FallbackPlaylist), true
	}
	return "", "", false
}

// redact drops the query string, which often carries tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
