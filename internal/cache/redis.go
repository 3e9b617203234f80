package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// redis key layout:
//
//	ragserve:<family>:<key>   value with family TTL
//	ragserve:tag:<tag>        set of value keys carrying the tag
const (
	redisKeyPrefix = "ragserve:"
	redisTagPrefix = "ragserve:tag:"

	// redisOpTimeout bounds each individual redis call so a hung backend
	// cannot stall the query pipeline.
	redisOpTimeout = 250 * time.Millisecond

	// tagSetTTL bounds tag-set growth for collections that are never
	// invalidated. Members expire on their own; the set just tracks names.
	tagSetTTL = 24 * time.Hour
)

// RedisCache is the shared cache backend. All operations run behind a circuit
// breaker: when redis is unreachable the cache degrades to a no-op instead of
// failing the caller.
type RedisCache struct {
	client  *redis.Client
	ttls    TTLs
	breaker *ragerrors.CircuitBreaker
	logger  *slog.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to the given redis URL. Connection failure at
// startup is logged, not fatal; the breaker opens on first use and the cache
// behaves as a no-op until redis recovers.
func NewRedisCache(url string, ttls TTLs, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, ragerrors.ConfigError("invalid cache backend URL", err).WithDetail("url", url)
	}

	client := redis.NewClient(opts)
	c := &RedisCache{
		client: client,
		ttls:   ttls,
		breaker: ragerrors.NewCircuitBreaker("cache-redis",
			ragerrors.WithMaxFailures(3),
			ragerrors.WithResetTimeout(15*time.Second)),
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, cache degrades to no-op until it recovers",
			slog.String("error", err.Error()))
		c.breaker.RecordFailure()
	}

	return c, nil
}

func (r *RedisCache) valueKey(family Family, key string) string {
	return redisKeyPrefix + string(family) + ":" + key
}

// Get returns the cached value, or a miss when the key is absent, expired,
// or redis is unavailable.
func (r *RedisCache) Get(ctx context.Context, family Family, key string) ([]byte, bool) {
	if !r.breaker.Allow() {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := r.client.Get(opCtx, r.valueKey(family, key)).Bytes()
	if err == redis.Nil {
		r.breaker.RecordSuccess()
		return nil, false
	}
	if err != nil {
		r.fail("get", err)
		return nil, false
	}
	r.breaker.RecordSuccess()
	return raw, true
}

// Set stores the value with the family TTL and registers the key in each
// tag's set. A failed write is dropped silently.
func (r *RedisCache) Set(ctx context.Context, family Family, key string, value []byte, tags ...string) {
	if !r.breaker.Allow() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	fullKey := r.valueKey(family, key)
	_, err := r.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, fullKey, value, r.ttls.For(family))
		for _, tag := range tags {
			tagKey := redisTagPrefix + tag
			pipe.SAdd(opCtx, tagKey, fullKey)
			pipe.Expire(opCtx, tagKey, tagSetTTL)
		}
		return nil
	})
	if err != nil {
		r.fail("set", err)
		return
	}
	r.breaker.RecordSuccess()
}

// InvalidateTag deletes every key in the tag's set, then the set itself.
func (r *RedisCache) InvalidateTag(ctx context.Context, tag string) {
	if !r.breaker.Allow() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	tagKey := redisTagPrefix + tag
	members, err := r.client.SMembers(opCtx, tagKey).Result()
	if err != nil {
		r.fail("invalidate_tag", err)
		return
	}
	if len(members) > 0 {
		if err := r.client.Del(opCtx, members...).Err(); err != nil {
			r.fail("invalidate_tag", err)
			return
		}
	}
	if err := r.client.Del(opCtx, tagKey).Err(); err != nil {
		r.fail("invalidate_tag", err)
		return
	}
	r.breaker.RecordSuccess()
}

// Close closes the redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) fail(op string, err error) {
	r.breaker.RecordFailure()
	r.logger.Debug("cache operation failed",
		slog.String("op", op),
		slog.String("backend", "redis"),
		slog.String("error", err.Error()))
}
