package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dovakiin0/hls-relay/config"
	"github.com/dovakiin0/hls-relay/internal/cache"
	"github.com/dovakiin0/hls-relay/internal/failure"
	"github.com/dovakiin0/hls-relay/internal/handler"
	"github.com/dovakiin0/hls-relay/internal/locator"
	"github.com/dovakiin0/hls-relay/internal/logging"
	"github.com/dovakiin0/hls-relay/internal/metrics"
	"github.com/dovakiin0/hls-relay/internal/upstream"
)

func init() {
	godotenv.Load()
	config.InitConfig()
}

func main() {
	log := logging.New(config.Env.LogLevel, config.Env.LogFormat)
	m := metrics.New()

	fetcher := upstream.NewFetcher(upstream.NewHTTPClient(config.Env.RequestTimeout), upstream.Options{
		MaxAttempts: config.Env.FetchAttempts,
		Backoff:     config.Env.FetchBackoff,
		OnAttempt: func(req upstream.Request) {
			m.IncUpstreamAttempts(req.Method)
		},
	})

	pipeline, err := locator.NewPipeline(config.Env.DecodePipeline, config.Env.DecodeIV)
	if err != nil {
		log.WithError(err).Fatal("Invalid decode pipeline")
	}

	var alternative locator.Locator
	if config.Env.AltLocatorAPI != "" {
		alternative = locator.NewAlternative(fetcher, config.Env.AltLocatorAPI, config.Env.UpstreamUserAgent)
	}
	resolver := locator.NewResolver(fetcher, pipeline, locator.Options{
		Endpoint:  config.Env.LocatorEndpoint,
		Origin:    config.Env.LocatorOrigin,
		KeyHeader: config.Env.LocatorKeyHeader,
		MediaBase: config.Env.MediaBaseURL,
		UserAgent: config.Env.UpstreamUserAgent,
		RateLimit: config.Env.LocatorRateLimit,
		Fallback:  alternative,
	}, log)

	var lastGood cache.LastGood
	if rdb := config.RedisConnect(log); rdb != nil {
		defer rdb.Close()
		lastGood = cache.NewRedisLastGood(rdb, config.Env.CacheTTL, log)
	} else {
		lastGood = cache.NewMemoryLastGood(0, config.Env.CacheTTL)
	}

	segments := cache.NewSegmentMap(config.Env.CacheTTL, nil)
	failures := failure.NewTracker(failure.Options{
		BlockThreshold:    config.Env.BlockThreshold,
		FallbackThreshold: config.Env.FallbackThreshold,
		Cooldown:          config.Env.BlockCooldown,
		TTL:               config.Env.CacheTTL,
	})

	h := handler.New(handler.Deps{
		Fetcher:  fetcher,
		Locator:  resolver,
		Decoder:  resolver,
		Segments: segments,
		LastGood: lastGood,
		Failures: failures,
		Metrics:  m,
		Log:      log,
	}, handler.Options{
		PublicBaseURL: config.Env.PublicBaseURL,
		Profile: upstream.HeaderProfile{
			UserAgent: config.Env.UpstreamUserAgent,
			Referer:   config.Env.UpstreamReferer,
			Origin:    config.Env.UpstreamOrigin,
		},
		SegmentFallbackBase: config.Env.SegmentFallbackBase,
		RelayHost:           config.Env.RelayHost,
		FallbackPlaylist:    loadFallbackPlaylist(log, config.Env.FallbackPlaylist),
		DefaultKey:          config.Env.DecodeDefaultKey,
		RequestTimeout:      config.Env.RequestTimeout,
	})

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Pre(middleware.RemoveTrailingSlash())

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: getCorsDomain(),
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(metrics.RequestMiddleware(m))

	e.GET("/metrics", echo.WrapHandler(m.Handler(func() {
		m.SetActiveSessions(segments.Len())
	})))
	h.Register(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := cache.NewSweeper(config.Env.SweepInterval, log)
	sweeper.Add("segments", segments)
	sweeper.Add("failures", failures)
	go sweeper.Run(ctx)

	go func() {
		port := config.Env.Port
		if err := e.Start(fmt.Sprintf(":%s", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server stopped")
		}
	}()
	log.WithFields(logrus.Fields{
		"port":     config.Env.Port,
		"pipeline": pipeline.Version,
	}).Info("HLS relay started")

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Shutdown failed")
	}
}

// loadFallbackPlaylist reads the static playlist served when a match has no
// working upstream. A missing or invalid file disables the fallback.
func loadFallbackPlaylist(log *logrus.Logger, path string) []byte {
	if path == "" {
		return nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Could not read fallback playlist")
		return nil
	}
	return body
}

func getCorsDomain() []string {
	corsDomain := config.Env.CorsDomain

	allowOrigins := []string{}
	if corsDomain == "*" {
		allowOrigins = append(allowOrigins, "*")
	} else {
		domains := strings.Split(corsDomain, ",")
		for _, domain := range domains {
			domain = strings.TrimSpace(domain)
			if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
				allowOrigins = append(allowOrigins, strings.TrimSuffix(domain, "/"))
			} else {
				allowOrigins = append(allowOrigins, "http://"+strings.TrimSuffix(domain, "/"))
				allowOrigins = append(allowOrigins, "https://"+strings.TrimSuffix(domain, "/"))
			}
		}
	}

	return allowOrigins
}
