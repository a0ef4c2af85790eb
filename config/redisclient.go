package config

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConnect dials the configured redis server. It returns nil when no
// REDIS_URL is set or the server does not answer a ping, in which case callers
// fall back to process-local stores.
func RedisConnect(log *logrus.Logger) *redis.Client {
	if Env.RedisURL == "" {
		log.Debug("REDIS_URL not set, using in-memory stores")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     Env.RedisURL,
		Password: Env.RedisPassword,
		DB:       Env.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Error connecting to redis, using in-memory stores")
		_ = client.Close()
		return nil
	}

	log.WithField("addr", Env.RedisURL).Info("Redis Connection Successful")
	return client
}
