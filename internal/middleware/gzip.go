package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// gzipWriterPool keeps writers at BestSpeed; playlists are small and latency
// sensitive.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
	wroteBody   bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set(echo.HeaderContentEncoding, "gzip")
		w.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)
		w.Header().Del(echo.HeaderContentLength)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.wroteBody = true
	return w.Writer.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type GzipConfig struct {
	Skipper echomw.Skipper
}

// Gzip compresses responses for clients that accept gzip.
func Gzip() echo.MiddlewareFunc {
	return GzipWithConfig(GzipConfig{})
}

func GzipWithConfig(config GzipConfig) echo.MiddlewareFunc {
	if config.Skipper == nil {
		config.Skipper = echomw.DefaultSkipper
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper(c) {
				return next(c)
			}
			if !strings.Contains(c.Request().Header.Get(echo.HeaderAcceptEncoding), "gzip") {
				return next(c)
			}

			res := c.Response()
			gz := gzipWriterPool.Get().(*gzip.Writer)
			gz.Reset(res.Writer)

			gzw := &gzipResponseWriter{Writer: gz, ResponseWriter: res.Writer}
			original := res.Writer
			res.Writer = gzw

			defer func() {
				if !gzw.wroteBody {
					// Nothing to compress; don't emit an empty gzip stream.
					gz.Reset(io.Discard)
				}
				if err := gz.Close(); err != nil {
					c.Logger().Errorf("gzip close failed for %s: %v", c.Request().URL.Path, err)
				}
				gzipWriterPool.Put(gz)
				res.Writer = original
			}()

			return next(c)
		}
	}
}
