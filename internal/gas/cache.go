package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PriceCache stores the last network gas price for a short TTL so concurrent
// callers share one query. Implementations must be safe for concurrent use.
type PriceCache interface {
	Get(ctx context.Context) (*big.Int, bool)
	Set(ctx context.Context, price *big.Int)
}

// cacheEntry holds a cached price.
type cacheEntry struct {
	price     *big.Int
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache is an in-process PriceCache.
type MemoryCache struct {
	mu    sync.RWMutex
	entry *cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache returns a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

// Get implements PriceCache.
func (c *MemoryCache) Get(context.Context) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil || c.entry.expired(c.now()) {
		return nil, false
	}
	return new(big.Int).Set(c.entry.price), true
}

// Set implements PriceCache.
func (c *MemoryCache) Set(_ context.Context, price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &cacheEntry{
		price:     new(big.Int).Set(price),
		expiresAt: c.now().Add(c.ttl),
	}
}

// invalidate drops the cached price.
func (c *MemoryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

// redisKey is shared by every anchord replica on the same network.
const redisKey = "carbonanchor:gas:price_wei"

// RedisCache shares the gas price across replicas. Redis errors are logged
// and treated as misses.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to url (redis://host:port/db) and pings it.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("gas price cache connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get implements PriceCache.
func (c *RedisCache) Get(ctx context.Context) (*big.Int, bool) {
	s, err := c.rdb.Get(ctx, redisKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("gas cache read failed", zap.Error(err))
		}
		return nil, false
	}
	price, ok := new(big.Int).SetString(s, 10)
	if !ok {
		c.logger.Warn("gas cache holds a malformed price", zap.String("value", s))
		return nil, false
	}
	return price, true
}

// Set implements PriceCache.
func (c *RedisCache) Set(ctx context.Context, price *big.Int) {
	if err := c.rdb.Set(ctx, redisKey, price.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("gas cache write failed", zap.Error(err))
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
