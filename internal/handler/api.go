package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/dovakiin0/hls-relay/internal/manifest"
)

type fetchM3U8Request struct {
	M3U8URL string `json:"m3u8Url"`
	Cookies string `json:"cookies"`
	Referer string `json:"referer"`
}

// FetchM3U8 serves POST /fetch-m3u8: fetch a playlist with the caller's
// cookies and referer and return its text unmodified.
func (h *Handler) FetchM3U8(c echo.Context) error {
	var req fetchM3U8Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}
	if req.M3U8URL == "" {
		return h.failJSON(c, &manifest.MissingParameterError{Param: "m3u8Url"})
	}

	profile := h.opts.Profile
	if req.Referer != "" {
		profile.Referer = req.Referer
		profile.Origin = originOf(req.Referer)
	}
	header := profile.Build(req.Cookies, "")
	header.Set("Accept-Encoding", "br, gzip")

	ctx, cancel := h.requestContext(c)
	defer cancel()

	resp, err := h.Fetcher.Fetch(ctx, req.M3U8URL, header)
	if err != nil {
		return h.failJSON(c, err)
	}
	text := string(resp.Body)
	if !manifest.Valid(text) {
		return h.failJSON(c, &manifest.InvalidManifestError{URL: req.M3U8URL})
	}
	return c.JSON(http.StatusOK, map[string]string{"m3u8": text})
}

func originOf(referer string) string {
	scheme, rest, ok := strings.Cut(referer, "://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

type decryptRequest struct {
	Encrypted string `json:"encrypted"`
	Key       string `json:"key"`
}

// Decrypt serves POST /decrypt: run the decode pipeline on base64 locator
// output supplied by the client.
func (h *Handler) Decrypt(c echo.Context) error {
	var req decryptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}
	if req.Encrypted == "" {
		return h.failJSON(c, &manifest.MissingParameterError{Param: "encrypted"})
	}
	key := req.Key
	if key == "" {
		key = h.opts.DefaultKey
	}
	if key == "" {
		return h.failJSON(c, &manifest.MissingParameterError{Param: "key"})
	}

	decrypted, err := h.Decoder.DecodeEncoded(req.Encrypted, key)
	if err != nil {
		return h.failJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"decrypted": decrypted})
}

type streamResponse struct {
	M3U8     string `json:"m3u8"`
	Source   string `json:"source"`
	SourceID string `json:"sourceId"`
	StreamNo int    `json:"streamNo"`
}

// Stream serves GET /stream/{source}/{sourceId}/{streamNo}.
func (h *Handler) Stream(c echo.Context) error {
	source := c.Param("source")
	sourceID := c.Param("sourceId")
	streamNo, err := strconv.Atoi(c.Param("streamNo"))
	if err != nil || streamNo < 1 {
		streamNo = 1
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	m3u8URL, err := h.Locator.Resolve(ctx, source, sourceID, strconv.Itoa(streamNo))
	if err != nil {
		return h.failJSON(c, err)
	}

	h.Log.WithFields(logrus.Fields{"source": source, "sourceId": sourceID, "streamNo": streamNo}).Info("Resolved stream")
	return c.JSON(http.StatusOK, streamResponse{
		M3U8:     m3u8URL,
		Source:   source,
		SourceID: sourceID,
		StreamNo: streamNo,
	})
}

// Health serves GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.opts.Now().UTC().Format(time.RFC3339),
	})
}
