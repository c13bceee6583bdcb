package hume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type cachedToken struct {
	Token     Token     `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenCache is the storage behind CachedSource.
type tokenCache interface {
	get(ctx context.Context, key string) (*cachedToken, error)
	set(ctx context.Context, key string, t cachedToken, ttl time.Duration) error
}

// CachedSource reuses a vendor token until margin before it expires.
// Cache errors are logged and fall through to the vendor.
type CachedSource struct {
	src    TokenSource
	cache  tokenCache
	key    string
	margin time.Duration
	log    *logrus.Logger
	now    func() time.Time
}

// NewRedisCachedSource caches tokens from src in Redis under a key derived from apiKey.
func NewRedisCachedSource(src TokenSource, rdb redis.UniversalClient, apiKey string, margin time.Duration, log *logrus.Logger) *CachedSource {
	return newCachedSource(src, &redisCache{rdb: rdb}, apiKey, margin, log)
}

func newCachedSource(src TokenSource, c tokenCache, apiKey string, margin time.Duration, log *logrus.Logger) *CachedSource {
	sum := sha256.Sum256([]byte(apiKey))
	return &CachedSource{
		src:    src,
		cache:  c,
		key:    "coach:hume:token:" + hex.EncodeToString(sum[:8]),
		margin: margin,
		log:    log,
		now:    time.Now,
	}
}

func (s *CachedSource) Token(ctx context.Context) (Token, error) {
	now := s.now()
	ct, err := s.cache.get(ctx, s.key)
	if err != nil {
		s.log.WithError(err).Warn("hume token cache read failed")
	}
	if ct != nil && ct.ExpiresAt.Sub(now) > s.margin {
		tokenCacheHits.Inc()
		tok := ct.Token
		tok.ExpiresIn = int(ct.ExpiresAt.Sub(now).Seconds())
		return tok, nil
	}

	tok, err := s.src.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	life := time.Duration(tok.ExpiresIn) * time.Second
	if ttl := life - s.margin; ttl > 0 {
		entry := cachedToken{Token: tok, ExpiresAt: now.Add(life)}
		if err := s.cache.set(ctx, s.key, entry, ttl); err != nil {
			s.log.WithError(err).Warn("hume token cache write failed")
		}
	}
	return tok, nil
}

type redisCache struct {
	rdb redis.UniversalClient
}

func (r *redisCache) get(ctx context.Context, key string) (*cachedToken, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return &ct, nil
}

func (r *redisCache) set(ctx context.Context, key string, t cachedToken, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key, raw, ttl).Err()
}

// NewRedisClient connects and pings before returning.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}
