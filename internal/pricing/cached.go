package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "marginwatch:price:"

// CachedSource wraps an upstream PriceLookup with a Redis read-through cache.
// Cache failures fall back to the upstream; only the upstream decides whether
// a price is unavailable.
type CachedSource struct {
	upstream PriceLookup
	rdb      *redis.Client
	ttl      time.Duration
	logger   *zap.Logger
}

// NewCachedSource builds a read-through cache in front of upstream. Entries
// expire after ttl.
func NewCachedSource(upstream PriceLookup, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedSource {
	return &CachedSource{
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
		logger:   logger,
	}
}

func (c *CachedSource) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	key := cacheKeyPrefix + asset

	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		price, perr := decimal.NewFromString(cached)
		if perr == nil {
			return price, nil
		}
		c.logger.Warn("discarding unparseable cached price",
			zap.String("asset", asset),
			zap.String("value", cached))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("price cache read failed", zap.String("asset", asset), zap.Error(err))
	}

	price, err := c.upstream.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.rdb.Set(ctx, key, price.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache write failed", zap.String("asset", asset), zap.Error(err))
	}

	return price, nil
}
