package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yourorg/integrations-api/internal/redisx"
)

const redisPrefix = "icache:"

// Redis shares results across API instances. Misses are collapsed per process;
// Redis failures degrade to uncached fetches.
type Redis struct {
	client  *redisx.Client
	ttl     time.Duration
	metrics Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

func NewRedis(client *redisx.Client, ttl time.Duration, metrics Metrics, logger *slog.Logger) *Redis {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, metrics: metrics, logger: logger}
}

func (r *Redis) GetOrFetch(ctx context.Context, key string, tags []string, fetch Fetch) ([]byte, bool, error) {
	if r.ttl > 0 {
		v, ok, err := r.client.Get(ctx, redisPrefix+key)
		if err != nil {
			r.logger.Warn("result cache read failed", "err", err)
		}
		if ok {
			r.metrics.CacheLookup(true)
			return []byte(v), true, nil
		}
	}
	r.metrics.CacheLookup(false)

	v, err, _ := r.group.Do(key, func() (any, error) {
		v, store, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if store && r.ttl > 0 {
			tagKeys := make([]string, len(tags))
			for i, t := range tags {
				tagKeys[i] = redisPrefix + "tag:" + t
			}
			if err := r.client.SetTagged(ctx, redisPrefix+key, string(v), r.ttl, tagKeys); err != nil {
				r.logger.Warn("result cache write failed", "err", err)
			}
		}
		return v, nil
	})
	if err != nil && leaderCanceled(ctx, err) {
		val, _, err := fetch(ctx)
		return val, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisPrefix+key)
}

func (r *Redis) InvalidateTag(ctx context.Context, tag string) error {
	n, err := r.client.DelTag(ctx, redisPrefix+"tag:"+tag)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", tag, err)
	}
	r.logger.Debug("result cache invalidated", "tag", tag, "entries", n)
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (r *Redis) Close() error { return nil }
