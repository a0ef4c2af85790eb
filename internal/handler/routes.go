package handler

import (
	"github.com/labstack/echo/v4"

	mdlware "github.com/dovakiin0/hls-relay/internal/middleware"
)

// Register mounts the relay routes on e.
func (h *Handler) Register(e *echo.Echo) {
	gzip := mdlware.Gzip()
	media := mdlware.CacheControl()
	noCache := mdlware.CacheControlWithConfig(mdlware.NoCacheConfig)

	e.GET("/health", h.Health)
	e.GET("/playlist.m3u8", h.Playlist, noCache, gzip)
	e.POST("/fetch-m3u8", h.FetchM3U8, noCache, gzip)
	e.POST("/decrypt", h.Decrypt, noCache)
	e.GET("/stream/:source/:sourceId/:streamNo", h.Stream, noCache)
	e.GET("/key/*", h.Key, media)
	e.GET("/:segment", h.Segment, media)
}
