package rating

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
)

// cachedStore reads through Redis in front of another Store and writes
// through to both. Cache errors are logged and never fail the call.
type cachedStore struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &cachedStore{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *cachedStore) Get(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, bool, error) {
	key := cacheKey(playerID, bucket)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rec domain.RatingRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			return rec, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		obslog.L().Warn("rating_cache_get_error", zap.String("key", key), zap.Error(err))
	}

	rec, found, err := c.inner.Get(ctx, playerID, bucket)
	if err != nil || !found {
		return rec, found, err
	}
	c.fill(ctx, rec)
	return rec, true, nil
}

func (c *cachedStore) Put(ctx context.Context, rec domain.RatingRecord) error {
	if err := c.inner.Put(ctx, rec); err != nil {
		// stale cache would mask the failed write
		_ = c.rdb.Del(ctx, cacheKey(rec.PlayerID, rec.Bucket)).Err()
		return err
	}
	c.fill(ctx, rec)
	return nil
}

func (c *cachedStore) fill(ctx context.Context, rec domain.RatingRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(rec.PlayerID, rec.Bucket), raw, c.ttl).Err(); err != nil {
		obslog.L().Warn("rating_cache_set_error", zap.String("player_id", rec.PlayerID), zap.Error(err))
	}
}

func cacheKey(playerID string, bucket domain.Bucket) string {
	return "rating:" + string(bucket) + ":" + playerID
}
