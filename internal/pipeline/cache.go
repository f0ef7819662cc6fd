package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zwy923/mailsift/internal/model"
)

const tagCacheTTL = 10 * time.Minute

// TagVectorCache caches a user's tag vectors in redis so every message in a
// batch does not reload them. Cache trouble degrades to a miss, never to an
// error.
type TagVectorCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewTagVectorCache(rdb *redis.Client, logger *zap.Logger) *TagVectorCache {
	return &TagVectorCache{rdb: rdb, logger: logger}
}

func tagCacheKey(userID int64) string {
	return fmt.Sprintf("tagvec:%d", userID)
}

func (c *TagVectorCache) Get(ctx context.Context, userID int64) ([]*model.Tag, bool) {
	raw, err := c.rdb.Get(ctx, tagCacheKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("tag cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, false
	}
	var tags []*model.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		c.logger.Warn("tag cache entry corrupt, dropping", zap.Int64("user_id", userID), zap.Error(err))
		c.rdb.Del(ctx, tagCacheKey(userID))
		return nil, false
	}
	return tags, true
}

func (c *TagVectorCache) Set(ctx context.Context, userID int64, tags []*model.Tag) {
	raw, err := json.Marshal(tags)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, tagCacheKey(userID), raw, tagCacheTTL).Err(); err != nil {
		c.logger.Warn("tag cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Invalidate drops the cached vectors after the user edits tags.
func (c *TagVectorCache) Invalidate(ctx context.Context, userID int64) {
	if err := c.rdb.Del(ctx, tagCacheKey(userID)).Err(); err != nil {
		c.logger.Warn("tag cache invalidate failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
