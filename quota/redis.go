package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// counterTTL outlives the day so a counter is still readable right after
// midnight; a new day always uses a new key.
const counterTTL = 48 * time.Hour

// RedisTracker shares counters across worker processes. INCR keeps the
// increment atomic under concurrent probes.
type RedisTracker struct {
	client *redis.Client
	prefix string
	limit  int
	now    func() time.Time
}

func NewRedisTracker(client *redis.Client, limit int) *RedisTracker {
	if limit <= 0 {
		limit = DefaultDailyQuota
	}
	return &RedisTracker{
		client: client,
		prefix: "quota",
		limit:  limit,
		now:    time.Now,
	}
}

func (r *RedisTracker) countKey(identity, day string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, identity, day)
}

func (r *RedisTracker) statusKey(identity, day string) string {
	return fmt.Sprintf("%s:status:%s:%s", r.prefix, identity, day)
}

func (r *RedisTracker) Allow(ctx context.Context, identity string) (bool, error) {
	day := dayKey(r.now())
	key := r.countKey(identity, day)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("increment quota for %s: %w", identity, err)
	}

	if incr.Val() > int64(r.limit) {
		if err := r.client.Set(ctx, r.statusKey(identity, day), string(StatusRateLimited), counterTTL).Err(); err != nil {
			return false, fmt.Errorf("mark %s rate-limited: %w", identity, err)
		}
		return false, nil
	}
	return true, nil
}

func (r *RedisTracker) Reset(ctx context.Context, identity string) error {
	day := dayKey(r.now())
	if err := r.client.Del(ctx, r.countKey(identity, day), r.statusKey(identity, day)).Err(); err != nil {
		return fmt.Errorf("reset quota for %s: %w", identity, err)
	}
	return nil
}

func (r *RedisTracker) Status(ctx context.Context, identity string) (Counter, error) {
	day := dayKey(r.now())
	c := Counter{Identity: identity, Day: day, Limit: r.limit, Status: StatusActive}

	raw, err := r.client.Get(ctx, r.countKey(identity, day)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return c, nil
	case err != nil:
		return c, fmt.Errorf("read quota for %s: %w", identity, err)
	}
	if c.Count, err = strconv.Atoi(raw); err != nil {
		return c, fmt.Errorf("corrupt quota counter for %s: %w", identity, err)
	}

	status, err := r.client.Get(ctx, r.statusKey(identity, day)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return c, fmt.Errorf("read quota status for %s: %w", identity, err)
	}
	if status == string(StatusRateLimited) {
		c.Status = StatusRateLimited
	}
	return c, nil
}
