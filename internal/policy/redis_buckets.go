package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills continuously and only deducts when a token is available.
var tokenBucket = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_token = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed / per_token)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity * per_token) + 1000)
return allowed
`)

// RedisBuckets shares buckets across bank instances.
type RedisBuckets struct {
	client redis.Scripter
	limits map[Action]Bucket
	prefix string
	now    func() time.Time
}

func NewRedisBuckets(client redis.Scripter, limits map[Action]Bucket, prefix string) *RedisBuckets {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "lnbank:ratelimit"
	}
	return &RedisBuckets{client: client, limits: limits, prefix: prefix, now: time.Now}
}

func (r *RedisBuckets) key(uid int64, action Action) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, action, uid)
}

func (r *RedisBuckets) Allow(ctx context.Context, uid int64, action Action) (bool, error) {
	bucket, ok := r.limits[action]
	if !ok || !bucket.valid() {
		return true, nil
	}
	perToken := float64(bucket.Interval.Milliseconds()) / float64(bucket.Capacity)
	if perToken <= 0 {
		perToken = 1
	}
	allowed, err := tokenBucket.Run(ctx, r.client, []string{r.key(uid, action)},
		bucket.Capacity, perToken, r.now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}
