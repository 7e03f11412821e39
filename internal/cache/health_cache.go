// Package cache keeps the latest health score per source in Redis so reads
// of GetSourceHealth and GetRecommendedFrequency avoid the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// DefaultTTL bounds how stale a cached score can get when a recompute is
// missed.
const DefaultTTL = 6 * time.Hour

const keyFormat = "source_health:latest:%d"

// HealthCache implements sourcehealth.Cache on Redis.
type HealthCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHealthCache creates a cache with the given TTL, or DefaultTTL when ttl
// is not positive.
func NewHealthCache(client *redis.Client, ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HealthCache{client: client, ttl: ttl}
}

// Key returns the Redis key of a source's latest score.
func Key(sourceID int64) string { return fmt.Sprintf(keyFormat, sourceID) }

func (c *HealthCache) Get(ctx context.Context, sourceID int64) (*domain.SourceHealthScore, bool, error) {
	raw, err := c.client.Get(ctx, Key(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached health %d: %w", sourceID, err)
	}
	var s domain.SourceHealthScore
	if err := json.Unmarshal(raw, &s); err != nil {
		// A row we cannot decode is treated as a miss and overwritten on
		// the next read-through.
		return nil, false, nil
	}
	return &s, true, nil
}

// Set stores s unless a newer score for the same source is already cached.
func (c *HealthCache) Set(ctx context.Context, s *domain.SourceHealthScore) error {
	if cur, ok, err := c.Get(ctx, s.SourceID); err == nil && ok && cur.ComputedAt.After(s.ComputedAt) {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode health %d: %w", s.SourceID, err)
	}
	if err := c.client.Set(ctx, Key(s.SourceID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cached health %d: %w", s.SourceID, err)
	}
	return nil
}

// Invalidate drops a source's cached score.
func (c *HealthCache) Invalidate(ctx context.Context, sourceID int64) error {
	return c.client.Del(ctx, Key(sourceID)).Err()
}
