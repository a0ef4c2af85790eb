package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dovakiin0/hls-relay/internal/upstream"
)

type envConfig struct {
	Port          string
	CorsDomain    string
	PublicBaseURL string

	RedisURL      string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	CacheTTL       time.Duration
	SweepInterval  time.Duration
	FetchAttempts  int
	FetchBackoff   time.Duration
	RequestTimeout time.Duration

	BlockThreshold    int
	FallbackThreshold int
	BlockCooldown     time.Duration

	LocatorEndpoint  string
	LocatorOrigin    string
	LocatorKeyHeader string
	LocatorRateLimit int
	MediaBaseURL     string
	AltLocatorAPI    string

	DecodePipeline   string
	DecodeIV         string
	DecodeDefaultKey string

	SegmentFallbackBase string
	RelayHost           string
	FallbackPlaylist    string

	UpstreamReferer   string
	UpstreamOrigin    string
	UpstreamUserAgent string
}

var Env envConfig

func getEnv(varName, defaultValue string) string {
	value, exists := os.LookupEnv(varName)
	if !exists {
		return defaultValue
	}
	return value
}

func getEnvInt(varName string, defaultValue int) int {
	if value := os.Getenv(varName); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(varName string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(varName); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func InitConfig() {
	Env = envConfig{
		Port:          getEnv("PORT", "8080"),
		CorsDomain:    getEnv("CORS_DOMAIN", "*"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		CacheTTL:       getEnvDuration("CACHE_TTL", time.Hour),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		FetchAttempts:  getEnvInt("FETCH_ATTEMPTS", 2),
		FetchBackoff:   getEnvDuration("FETCH_BACKOFF", upstream.DefaultBackoff),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		BlockThreshold:    getEnvInt("BLOCK_THRESHOLD", 5),
		FallbackThreshold: getEnvInt("FALLBACK_THRESHOLD", 3),
		BlockCooldown:     getEnvDuration("BLOCK_COOLDOWN", 5*time.Minute),

		LocatorEndpoint:  getEnv("LOCATOR_ENDPOINT", "https://embedstreams.top/fetch"),
		LocatorOrigin:    getEnv("LOCATOR_ORIGIN", "https://embedstreams.top"),
		LocatorKeyHeader: getEnv("LOCATOR_KEY_HEADER", "What"),
		LocatorRateLimit: getEnvInt("LOCATOR_RATE_LIMIT", 5),
		MediaBaseURL:     getEnv("MEDIA_BASE_URL", "https://rr.buytommy.top"),
		AltLocatorAPI:    getEnv("ALT_LOCATOR_API", "https://streamed.pk"),

		DecodePipeline:   getEnv("DECODE_PIPELINE", "v1"),
		DecodeIV:         getEnv("DECODE_IV", "STOPSTOPSTOPSTOP"),
		DecodeDefaultKey: getEnv("DECODE_DEFAULT_KEY", ""),

		SegmentFallbackBase: getEnv("SEGMENT_FALLBACK_BASE", "https://p2-panel.streamed.su"),
		RelayHost:           getEnv("RELAY_HOST", ""),
		FallbackPlaylist:    getEnv("FALLBACK_PLAYLIST", ""),

		UpstreamReferer:   getEnv("UPSTREAM_REFERER", "https://embedstreams.top/"),
		UpstreamOrigin:    getEnv("UPSTREAM_ORIGIN", "https://embedstreams.top"),
		UpstreamUserAgent: getEnv("UPSTREAM_USER_AGENT", "Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Mobile Safari/537.36"),
	}
}
