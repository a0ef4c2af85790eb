package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// LastGood remembers the most recent playlist URL that served a valid
// playlist for a match, so it can be retried when the live one keeps failing.
type LastGood interface {
	Remember(ctx context.Context, matchID, playlistURL string)
	Lookup(ctx context.Context, matchID string) (string, bool)
}

const defaultLastGoodSize = 4096

// MemoryLastGood is a process-local LastGood bounded in size and age.
type MemoryLastGood struct {
	lru *expirable.LRU[string, string]
}

func NewMemoryLastGood(size int, ttl time.Duration) *MemoryLastGood {
	if size <= 0 {
		size = defaultLastGoodSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLastGood{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (m *MemoryLastGood) Remember(_ context.Context, matchID, playlistURL string) {
	if matchID == "" || playlistURL == "" {
		return
	}
	m.lru.Add(matchID, playlistURL)
}

func (m *MemoryLastGood) Lookup(_ context.Context, matchID string) (string, bool) {
	if matchID == "" {
		return "", false
	}
	return m.lru.Get(matchID)
}

func (m *MemoryLastGood) Len() int {
	return m.lru.Len()
}

const lastGoodKeyPrefix = "lastgood:"

// RedisLastGood shares last-good URLs between relay instances. Redis errors
// are logged and treated as misses.
type RedisLastGood struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
	group  singleflight.Group
}

func NewRedisLastGood(client *redis.Client, ttl time.Duration, log *logrus.Logger) *RedisLastGood {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLastGood{client: client, ttl: ttl, log: log}
}

func (r *RedisLastGood) Remember(ctx context.Context, matchID, playlistURL string) {
	if matchID == "" || playlistURL == "" {
		return
	}
	key := lastGoodKeyPrefix + matchID

	// Every segment of a popular match re-validates the same playlist, so
	// identical concurrent writes are collapsed into one round trip.
	_, err, _ := r.group.Do(key+"\x00"+playlistURL, func() (any, error) {
		return nil, r.client.Set(ctx, key, playlistURL, r.ttl).Err()
	})
	if err != nil {
		r.log.WithError(err).WithField("matchId", matchID).Warn("Error storing last good playlist")
	}
}

func (r *RedisLastGood) Lookup(ctx context.Context, matchID string) (string, bool) {
	if matchID == "" {
		return "", false
	}
	val, err := r.client.Get(ctx, lastGoodKeyPrefix+matchID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).WithField("matchId", matchID).Warn("Error reading last good playlist")
		}
		return "", false
	}
	return val, true
}
