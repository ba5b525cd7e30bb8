package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper hands out short-lived per-key claims via redis SetNX. The deadline
// scanner uses it so two concurrently running instances do not sweep the same
// milestone at the same time. It is advisory only: the database CAS and the
// unique release-record constraint remain the correctness guarantees.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce tries to claim scope+id for the TTL window.
// Returns true when this caller is the first; false on a duplicate.
// When redis is unavailable it fails open and returns true, since the
// database-level guards make duplicate processing safe, just wasteful.
func (d *Deduper) AcquireOnce(ctx context.Context, scope string, id int64) bool {
	key := fmt.Sprintf("claim:%s:%d", scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("Redis claim check failed, allowing processing",
				zap.String("scope", scope),
				zap.Int64("id", id),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Info("Skipped already-claimed item",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.String("claim_key", key),
		)
	}

	return ok
}

// Release drops a claim early so a failed item can be retried by the next sweep.
func (d *Deduper) Release(ctx context.Context, scope string, id int64) {
	key := fmt.Sprintf("claim:%s:%d", scope, id)
	_ = d.rdb.Del(ctx, key).Err()
}
