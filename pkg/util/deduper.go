package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce tries to acquire a dedup lock for a given scope + id.
// It returns true if this is the FIRST time processing, false on a duplicate.
// When redis is unavailable processing is allowed through: the persistence
// layer is safe under duplicate writers, dedup only saves wasted work.
func (d *Deduper) AcquireOnce(ctx context.Context, scope string, id int64) bool {
	key := fmt.Sprintf("dedup:%s:%d", scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("Dedup check failed, allowing processing", zap.Error(err))
		}
		return true
	}
	return ok
}

// Release drops the dedup lock so a follow-up run can process the same id.
func (d *Deduper) Release(ctx context.Context, scope string, id int64) {
	key := fmt.Sprintf("dedup:%s:%d", scope, id)
	_ = d.rdb.Del(ctx, key).Err()
}
