package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the "shared" coordinator tier backed by Redis. Keys are stored
// under a namespace prefix; tags are tracked as Redis sets so tag
// invalidation resolves to member keys.
type RedisTier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTier constructs the shared tier. The prefix namespaces the cache
// keys; "crosspost:cache:" when empty.
func NewRedisTier(rdb *redis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "crosspost:cache:"
	}
	return &RedisTier{rdb: rdb, prefix: prefix}
}

// Name implements Tier.
func (t *RedisTier) Name() string { return "shared" }

// Invalidate implements Tier.
func (t *RedisTier) Invalidate(ctx context.Context, req Request) (int, error) {
	var total int
	if len(req.Keys) > 0 {
		keys := make([]string, len(req.Keys))
		for i, k := range req.Keys {
			keys[i] = t.prefix + k
		}
		n, err := t.rdb.Del(ctx, keys...).Result()
		if err != nil {
			return total, fmt.Errorf("del keys: %w", err)
		}
		total += int(n)
	}
	if req.Pattern != "" {
		n, err := t.deletePattern(ctx, t.prefix+req.Pattern)
		if err != nil {
			return total, err
		}
		total += n
	}
	for _, tag := range req.Tags {
		n, err := t.deleteTag(ctx, tag)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// deletePattern scans the keyspace and deletes matches in batches.
func (t *RedisTier) deletePattern(ctx context.Context, pattern string) (int, error) {
	var total int
	iter := t.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := t.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return total, fmt.Errorf("del pattern batch: %w", err)
			}
			total += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan pattern %q: %w", pattern, err)
	}
	if len(batch) > 0 {
		n, err := t.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return total, fmt.Errorf("del pattern batch: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// deleteTag resolves the tag set to its member keys and deletes them along
// with the set itself.
func (t *RedisTier) deleteTag(ctx context.Context, tag string) (int, error) {
	setKey := t.prefix + "tag:" + tag
	members, err := t.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers %q: %w", setKey, err)
	}
	var total int
	if len(members) > 0 {
		n, err := t.rdb.Del(ctx, members...).Result()
		if err != nil {
			return 0, fmt.Errorf("del tag members: %w", err)
		}
		total = int(n)
	}
	if err := t.rdb.Del(ctx, setKey).Err(); err != nil {
		return total, fmt.Errorf("del tag set: %w", err)
	}
	return total, nil
}

// TierStats implements StatsProvider with keyspace-level numbers.
func (t *RedisTier) TierStats(ctx context.Context) (map[string]any, error) {
	size, err := t.rdb.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("dbsize: %w", err)
	}
	return map[string]any{"keys": size}, nil
}
