package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dovakiin0/hls-relay/internal/cache"
	"github.com/dovakiin0/hls-relay/internal/failure"
	"github.com/dovakiin0/hls-relay/internal/locator"
	"github.com/dovakiin0/hls-relay/internal/logging"
	"github.com/dovakiin0/hls-relay/internal/metrics"
	"github.com/dovakiin0/hls-relay/internal/upstream"
)

const relayOrigin = "http://relay.test"

type stubLocator struct {
	url string
	err error
	got []string
}

func (s *stubLocator) Resolve(_ context.Context, source, sourceID, streamNo string) (string, error) {
	s.got = []string{source, sourceID, streamNo}
	return s.url, s.err
}

type stubDecoder struct {
	out string
	err error
}

func (s stubDecoder) DecodeEncoded(encoded, key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.out + "?e=" + encoded + "&k=" + key, nil
}

type testRelay struct {
	e *echo.Echo
	h *Handler
}

func newRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = relayOrigin
	}
	h := New(Deps{
		Fetcher:  upstream.NewFetcher(nil, upstream.Options{MaxAttempts: 1, Backoff: -1}),
		Locator:  &stubLocator{url: "https://media.example/playlist.m3u8"},
		Decoder:  stubDecoder{out: "https://media.example/p.m3u8"},
		Segments: cache.NewSegmentMap(time.Hour, nil),
		LastGood: cache.NewMemoryLastGood(16, time.Hour),
		Failures: failure.NewTracker(failure.Options{}),
		Metrics:  metrics.New(),
		Log:      logging.Discard(),
	}, opts)

	e := echo.New()
	h.Register(e)
	return &testRelay{e: e, h: h}
}

func (r *testRelay) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	r.e.ServeHTTP(rec, req)
	return rec
}

func (r *testRelay) get(target string) *httptest.ResponseRecorder {
	return r.do(http.MethodGet, target, "")
}

// relayPath turns a rewritten relay URL into a request target.
func relayPath(t *testing.T, relayURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(relayURL, relayOrigin+"/"), relayURL)
	return strings.TrimPrefix(relayURL, relayOrigin)
}

func keyURI(t *testing.T, line string) string {
	t.Helper()
	_, rest, ok := strings.Cut(line, `URI="`)
	require.True(t, ok, line)
	uri, _, ok := strings.Cut(rest, `"`)
	require.True(t, ok, line)
	return uri
}

func playlistTarget(upstreamURL string, extra url.Values) string {
	q := url.Values{"url": {upstreamURL}}
	for k, v := range extra {
		q[k] = v
	}
	return "/playlist.m3u8?" + q.Encode()
}

type origin struct {
	srv  *httptest.Server
	mux  *http.ServeMux
	hits map[string]*int32
}

func newOrigin(t *testing.T) *origin {
	o := &origin{mux: http.NewServeMux(), hits: map[string]*int32{}}
	o.srv = httptest.NewServer(o.mux)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) handle(path string, fn http.HandlerFunc) {
	var n int32
	o.hits[path] = &n
	o.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		fn(w, r)
	})
}

func (o *origin) count(path string) int32 {
	return atomic.LoadInt32(o.hits[path])
}

func TestPlaylist_missingURL(t *testing.T) {
	r := newRelay(t, Options{})
	rec := r.get("/playlist.m3u8?matchId=m1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing url parameter", rec.Body.String())
}

func TestPlaylist_rewriteAndServeSegmentAndKey(t *testing.T) {
	o := newOrigin(t)
	o.handle("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a=b", r.Header.Get("Cookie"))
		w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"/k1\"\n#EXTINF:4.0,\n" + o.srv.URL + "/seg1.js\n"))
	})
	o.handle("/seg1.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("TSDATA"))
	})
	o.handle("/k1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789abcdef"))
	})

	r := newRelay(t, Options{})
	rec := r.get(playlistTarget(o.srv.URL+"/live/index.m3u8", url.Values{"matchId": {"m1"}, "cookies": {"a=b"}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, upstream.PlaylistContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderCacheControl), "no-cache")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)

	segTarget := relayPath(t, lines[3])
	assert.True(t, strings.HasPrefix(segTarget, "/seg1.ts?"))
	seg := r.get(segTarget)
	require.Equal(t, http.StatusOK, seg.Code, seg.Body.String())
	assert.Equal(t, "TSDATA", seg.Body.String())
	assert.Equal(t, upstream.SegmentContentType, seg.Header().Get(echo.HeaderContentType))
	assert.Contains(t, seg.Header().Get(echo.HeaderCacheControl), "max-age=3600")

	keyTarget := relayPath(t, keyURI(t, lines[1]))
	assert.True(t, strings.HasPrefix(keyTarget, "/key/k1?"))
	key := r.get(keyTarget)
	require.Equal(t, http.StatusOK, key.Code, key.Body.String())
	assert.Equal(t, "0123456789abcdef", key.Body.String())

	assert.Equal(t, int32(1), o.count("/seg1.js"))
	assert.Equal(t, int32(1), o.count("/k1"))
}

func TestPlaylist_blockedAfterRepeatedFailures(t *testing.T) {
	o := newOrigin(t)
	o.handle("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("origin down"))
	})

	r := newRelay(t, Options{})
	target := playlistTarget(o.srv.URL+"/index.m3u8", url.Values{"matchId": {"m1"}, "source": {"alpha"}})

	for i := 0; i < failure.DefaultBlockThreshold-1; i++ {
		rec := r.get(target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "Status: 500")
	}
	rec := r.get(target)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(failure.DefaultBlockThreshold), o.count("/index.m3u8"))

	rec = r.get(target)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(failure.DefaultBlockThreshold), o.count("/index.m3u8"), "blocked key must not reach upstream")
}

func TestPlaylist_concurrentViewersShareOneFailure(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	o := newOrigin(t)
	t.Cleanup(unblock)
	o.handle("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	})

	r := newRelay(t, Options{})
	target := playlistTarget(o.srv.URL+"/index.m3u8", url.Values{"matchId": {"m1"}})
	key := failure.Key{MatchID: "m1", Scope: "playlist"}

	const viewers = 5
	codes := make([]int, viewers)
	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = r.get(target).Code
		}(i)
	}

	require.Eventually(t, func() bool { return o.count("/index.m3u8") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	unblock()
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusInternalServerError, code)
	}
	hits := int(o.count("/index.m3u8"))
	assert.Equal(t, hits, r.h.Failures.Count(key), "one failure per upstream fetch")
	assert.Less(t, hits, viewers)
	assert.False(t, r.h.Failures.IsBlocked(key))
}

func TestPlaylist_successResetsFailures(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	o := newOrigin(t)
	o.handle("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg.ts\n"))
	})

	r := newRelay(t, Options{})
	target := playlistTarget(o.srv.URL+"/index.m3u8", url.Values{"matchId": {"m1"}})
	key := failure.Key{MatchID: "m1", Scope: "playlist"}

	r.get(target)
	r.get(target)
	assert.Equal(t, failure.Degraded, r.h.Failures.State(key))

	failing.Store(false)
	rec := r.get(target)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, failure.Healthy, r.h.Failures.State(key))
}

func TestPlaylist_fallsBackToLastGoodURL(t *testing.T) {
	o := newOrigin(t)
	o.handle("/good.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\ngood1.ts\n"))
	})
	o.handle("/bad.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r := newRelay(t, Options{})
	meta := url.Values{"matchId": {"m1"}}

	require.Equal(t, http.StatusOK, r.get(playlistTarget(o.srv.URL+"/good.m3u8", meta)).Code)

	bad := playlistTarget(o.srv.URL+"/bad.m3u8", meta)
	for i := 0; i < failure.DefaultFallbackThreshold-1; i++ {
		assert.Equal(t, http.StatusInternalServerError, r.get(bad).Code)
	}

	rec := r.get(bad)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), relayOrigin+"/good1.ts?")

	u, ok := r.h.Segments.Get("m1-1", "good1.ts")
	require.True(t, ok)
	assert.Equal(t, o.srv.URL+"/good1.ts", u)
}

func TestPlaylist_staticFallback(t *testing.T) {
	o := newOrigin(t)
	o.handle("/bad.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>captcha</html>"))
	})

	r := newRelay(t, Options{
		FallbackPlaylist: []byte("#EXTM3U\n#EXTINF:10.0,\nhttps://static.example/offline.ts\n#EXT-X-ENDLIST\n"),
	})
	target := playlistTarget(o.srv.URL+"/bad.m3u8", url.Values{"matchId": {"m2"}})

	rec := r.get(target)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid m3u8 playlist")
	r.get(target)

	rec = r.get(target)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), relayOrigin+"/offline.ts?")
	assert.Contains(t, rec.Body.String(), "#EXT-X-ENDLIST")
}

func TestPlaylist_expiredURLMakesNoNetworkCall(t *testing.T) {
	o := newOrigin(t)
	o.handle("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	})

	r := newRelay(t, Options{})
	past := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	rec := r.get(playlistTarget(o.srv.URL+"/index.m3u8?expiry="+past, nil))

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Zero(t, o.count("/index.m3u8"))
}

func TestSegment_unknownNameIs404(t *testing.T) {
	r := newRelay(t, Options{})
	rec := r.get("/nope.ts?sid=s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Segment not found: nope.ts", rec.Body.String())
	assert.Empty(t, rec.Header().Get(echo.HeaderCacheControl))
}

func TestSegment_heuristicURLOnMiss(t *testing.T) {
	o := newOrigin(t)
	o.handle("/abc/seg9.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("SEG9"))
	})
	o.handle("/abc/keys/k.key", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("KEY"))
	})

	r := newRelay(t, Options{SegmentFallbackBase: o.srv.URL + "/"})

	rec := r.get("/seg9.ts?sid=s1&segmentPrefix=abc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SEG9", rec.Body.String())
	assert.Equal(t, upstream.SegmentContentType, rec.Header().Get(echo.HeaderContentType))

	rec = r.get("/key/keys/k.key?sid=s1&segmentPrefix=abc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "KEY", rec.Body.String())

	rec = r.get("/seg9.ts?sid=s1&segmentPrefix=unknown")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Status: 404")
}

func TestSegment_relayFallback(t *testing.T) {
	o := newOrigin(t)
	o.handle("/seg1.js", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	var destination atomic.Value
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		destination.Store(r.URL.Query().Get("destination"))
		w.Write([]byte("RELAYED"))
	}))
	defer relay.Close()

	r := newRelay(t, Options{RelayHost: relay.URL})
	r.h.Segments.Put("s1", "seg1.ts", o.srv.URL+"/seg1.js")

	rec := r.get("/seg1.ts?sid=s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "RELAYED", rec.Body.String())
	assert.Equal(t, o.srv.URL+"/seg1.js", destination.Load())
}

func TestSegment_blockedAfterRepeatedFailures(t *testing.T) {
	o := newOrigin(t)
	o.handle("/seg1.js", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r := newRelay(t, Options{})
	r.h.Segments.Put("s1", "seg1.ts", o.srv.URL+"/seg1.js")

	for i := 0; i < failure.DefaultBlockThreshold; i++ {
		assert.Equal(t, http.StatusInternalServerError, r.get("/seg1.ts?sid=s1&matchId=m1").Code)
	}
	assert.Equal(t, http.StatusServiceUnavailable, r.get("/seg1.ts?sid=s1&matchId=m1").Code)
	assert.Equal(t, int32(failure.DefaultBlockThreshold), o.count("/seg1.js"))
}

func TestFetchM3U8(t *testing.T) {
	o := newOrigin(t)
	o.handle("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://site.example/watch", r.Header.Get("Referer"))
		assert.Equal(t, "https://site.example", r.Header.Get("Origin"))
		assert.Equal(t, "c=d", r.Header.Get("Cookie"))
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg.ts\n"))
	})
	o.handle("/html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})

	r := newRelay(t, Options{})

	rec := r.do(http.MethodPost, "/fetch-m3u8", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing m3u8Url parameter"}`, rec.Body.String())

	rec = r.do(http.MethodPost, "/fetch-m3u8",
		`{"m3u8Url":"`+o.srv.URL+`/index.m3u8","cookies":"c=d","referer":"https://site.example/watch"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "#EXTM3U\n#EXTINF:4.0,\nseg.ts\n", body["m3u8"])

	rec = r.do(http.MethodPost, "/fetch-m3u8", `{"m3u8Url":"`+o.srv.URL+`/html"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestDecrypt(t *testing.T) {
	r := newRelay(t, Options{DefaultKey: "dflt"})

	rec := r.do(http.MethodPost, "/decrypt", `{"key":"k"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing encrypted parameter"}`, rec.Body.String())

	rec = r.do(http.MethodPost, "/decrypt", `{"encrypted":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decrypted":"https://media.example/p.m3u8?e=abc&k=dflt"}`, rec.Body.String())

	noKey := newRelay(t, Options{})
	rec = noKey.do(http.MethodPost, "/decrypt", `{"encrypted":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	r.h.Decoder = stubDecoder{err: &locator.DecodeError{Version: "v1", Stage: "aes-ctr", Err: errors.New("bad key")}}
	rec = r.do(http.MethodPost, "/decrypt", `{"encrypted":"abc","key":"k"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "aes-ctr")
}

func TestStream(t *testing.T) {
	r := newRelay(t, Options{})
	loc := &stubLocator{url: "https://media.example/secure/x/playlist.m3u8"}
	r.h.Locator = loc

	rec := r.get("/stream/alpha/abc/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"m3u8":"https://media.example/secure/x/playlist.m3u8","source":"alpha","sourceId":"abc","streamNo":2}`, rec.Body.String())
	assert.Equal(t, []string{"alpha", "abc", "2"}, loc.got)

	rec = r.get("/stream/alpha/abc/zz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", loc.got[2])

	r.h.Locator = &stubLocator{err: &locator.MissingKeyHeaderError{Header: "What"}}
	rec = r.get("/stream/alpha/abc/1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Missing What header"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := newRelay(t, Options{Now: func() time.Time { return fixed }})

	rec := r.get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","timestamp":"2026-01-02T03:04:05Z"}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errBlocked))
	assert.Equal(t, http.StatusGone, statusFor(&upstream.ExpiredURLError{}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&upstream.UpstreamFetchError{Status: 404}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&locator.LocatorError{Err: errors.New("x")}))
	assert.Equal(t, "locator", errorKind(&locator.LocatorError{Err: &upstream.UpstreamFetchError{}}))
	assert.Equal(t, "decode", errorKind(&locator.DecodeError{}))
}
