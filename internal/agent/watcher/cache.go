package watcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollCacheTTL expires channels no tick has touched in a day; a re-activated
// channel then starts from a clean first sighting.
const pollCacheTTL = 24 * time.Hour

// PollCache remembers the last quantity a poll observed per vendor item.
// One hash per channel under {prefix}:{tenantId}:pollcache:{channelId},
// field = external id, value = quantity.
type PollCache struct {
	rdb      *redis.Client
	prefix   string
	tenantID string
}

func NewPollCache(rdb *redis.Client, prefix, tenantID string) *PollCache {
	return &PollCache{rdb: rdb, prefix: prefix, tenantID: tenantID}
}

func (c *PollCache) key(channelID string) string {
	return fmt.Sprintf("%s:%s:pollcache:%s", c.prefix, c.tenantID, channelID)
}

// Snapshot returns all cached quantities for one channel. Unparseable fields
// are dropped rather than failing the pass.
func (c *PollCache) Snapshot(ctx context.Context, channelID string) (map[string]int64, error) {
	vals, err := c.rdb.HGetAll(ctx, c.key(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=watcher.Snapshot: %w", err)
	}
	out := make(map[string]int64, len(vals))
	for field, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}

// Remember stores one observed quantity and refreshes the channel's TTL.
func (c *PollCache) Remember(ctx context.Context, channelID, externalID string, quantity int64) error {
	key := c.key(channelID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, externalID, quantity)
	pipe.Expire(ctx, key, pollCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=watcher.Remember: %w", err)
	}
	return nil
}

// Forget drops a channel's cache. Used when a channel is deactivated so a
// later re-activation does not diff against stale state.
func (c *PollCache) Forget(ctx context.Context, channelID string) error {
	if err := c.rdb.Del(ctx, c.key(channelID)).Err(); err != nil {
		return fmt.Errorf("op=watcher.Forget: %w", err)
	}
	return nil
}
