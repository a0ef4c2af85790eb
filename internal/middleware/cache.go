package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type CacheControlConfig struct {
	Skipper echomw.Skipper

	MaxAge         time.Duration
	Public         bool
	MustRevalidate bool
	Immutable      bool

	// NoCache replaces every other directive with "no-cache, no-store".
	NoCache bool
}

// DefaultCacheControlConfig suits segments and keys: a given name always
// refers to the same bytes for the life of a session.
var DefaultCacheControlConfig = CacheControlConfig{
	Skipper:   echomw.DefaultSkipper,
	MaxAge:    1 * time.Hour,
	Public:    true,
	Immutable: true,
}

// NoCacheConfig suits live playlists, which change every target duration.
var NoCacheConfig = CacheControlConfig{
	Skipper: echomw.DefaultSkipper,
	NoCache: true,
}

func CacheControl() echo.MiddlewareFunc {
	return CacheControlWithConfig(DefaultCacheControlConfig)
}

func CacheControlWithConfig(config CacheControlConfig) echo.MiddlewareFunc {
	if config.Skipper == nil {
		config.Skipper = echomw.DefaultSkipper
	}
	headerVal := config.headerValue()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper(c) {
				return next(c)
			}

			res := c.Response()
			// Headers must be in place before the handler commits the response.
			res.Before(func() {
				// Do not cache error responses
				if res.Status >= 400 {
					return
				}
				if res.Header().Get(echo.HeaderCacheControl) != "" {
					return
				}
				res.Header().Set(echo.HeaderCacheControl, headerVal)
			})
			return next(c)
		}
	}
}

func (config CacheControlConfig) headerValue() string {
	if config.NoCache {
		return "no-cache, no-store, must-revalidate"
	}

	headerVal := ""
	if config.Public {
		headerVal += "public, "
	} else {
		headerVal += "private, "
	}

	headerVal += "max-age=" + strconv.Itoa(int(config.MaxAge.Seconds()))

	if config.MustRevalidate {
		headerVal += ", must-revalidate"
	}
	if config.Immutable {
		headerVal += ", immutable"
	}
	return headerVal
}
