// internal/cache/session_cache.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/model"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// ErrMiss is returned when a key is not cached
var ErrMiss = errors.New("cache miss")

// NewRedisClient returns a configured go-redis client. Nothing is dialed
// here; the pool connects on first use, so an unreachable server only
// surfaces through Ping or the cache calls.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("redis: host is empty")
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Port)

	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}), nil
}

// SessionCache keeps active sessions in redis for quick lookup at the exit
// lane. Entries are written on create and dropped when the session closes;
// the database stays authoritative.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSessionCache returns a redis-backed session cache
func NewSessionCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionCache {
	return &SessionCache{client: client, ttl: ttl, logger: logger.With(zap.String("component", "session_cache"))}
}

// SessionKey is the cache key of a ticket code
func SessionKey(code string) string {
	return fmt.Sprintf("parking:session:%s", code)
}

// Put caches an active session under its code
func (c *SessionCache) Put(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, SessionKey(session.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the cached session of a code
func (c *SessionCache) Get(ctx context.Context, code string) (*model.Session, error) {
	result, err := c.client.Get(ctx, SessionKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Evict removes a session that is no longer active
func (c *SessionCache) Evict(ctx context.Context, session *model.Session) error {
	return c.client.Del(ctx, SessionKey(session.ID)).Err()
}

// Ping reports whether redis is reachable
func (c *SessionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
