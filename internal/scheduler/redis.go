package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "scheduler:jobs"

// claimScript moves a member from the pending set to the processing set,
// scored by its lease expiry. Only one caller sees 1 for a given member.
var claimScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// reclaimScript moves every expired lease back to pending, due at ARGV[1].
var reclaimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, m in ipairs(expired) do
	redis.call("ZREM", KEYS[2], m)
	redis.call("ZADD", KEYS[1], ARGV[1], m)
end
return #expired
`)

// RedisQueue keeps pending jobs in a sorted set scored by due time in unix
// millis. Claimed jobs sit in a second set scored by lease expiry until
// acknowledged, so a job held by a dead process returns to pending.
type RedisQueue struct {
	rdb        redis.Cmdable
	key        string
	processing string
}

func NewRedisQueue(rdb redis.Cmdable, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{rdb: rdb, key: key, processing: key + ":processing"}
}

// NewRedis returns a runner backed by the default sorted set.
func NewRedis(rdb redis.Cmdable, concurrency int, pollInterval time.Duration) *Runner {
	return New(NewRedisQueue(rdb, DefaultRedisKey), concurrency, pollInterval)
}

func (q *RedisQueue) Push(ctx context.Context, at time.Time, member string) error {
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

func (q *RedisQueue) Claim(ctx context.Context, member string, leaseUntil time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, q.rdb, []string{q.key, q.processing}, member, leaseUntil.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisQueue) Ack(ctx context.Context, member string) error {
	return q.rdb.ZRem(ctx, q.processing, member).Err()
}

func (q *RedisQueue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	return reclaimScript.Run(ctx, q.rdb, []string{q.key, q.processing}, now.UnixMilli()).Int()
}

func (q *RedisQueue) Remove(ctx context.Context, member string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.key, member).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisQueue) Members(ctx context.Context) ([]string, error) {
	return q.rdb.ZRange(ctx, q.key, 0, -1).Result()
}
