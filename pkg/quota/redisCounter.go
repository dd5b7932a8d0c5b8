package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

const (
	counterPrefix = "quota:"
	scanBatchSize = 100
	// DefaultRetention keeps closed buckets readable for audit after they reset.
	DefaultRetention = 90 * 24 * time.Hour
)

// consumeScript adds ARGV[1] to the bucket unless the limit in ARGV[2] would be passed.
// It returns {allowed, used}.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and used + n > limit then
  return {0, used}
end
used = redis.call('HINCRBY', KEYS[1], 'used', n)
redis.call('HSET', KEYS[1], 'limit', ARGV[2], 'reset_at', ARGV[3], 'tenant_id', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return {1, used}
`)

// RedisCounter is a store.QuotaRepository over Redis hashes. Each bucket is its
// own key so a reset starts a new hash instead of clearing the old one.
type RedisCounter struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisCounter(client redis.UniversalClient, retention time.Duration) *RedisCounter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCounter{client: client, retention: retention}
}

func counterKey(tenantID string, period store.Period, bucketStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", counterPrefix, tenantID, period, bucketStart.UTC().Unix())
}

func (r *RedisCounter) Consume(ctx context.Context, bucket store.QuotaUsage, n int64, _ time.Time) (store.QuotaUsage, bool, error) {
	key := counterKey(bucket.TenantID, bucket.Period, bucket.BucketStart)
	res, err := consumeScript.Run(ctx, r.client, []string{key},
		n, bucket.Limit, bucket.ResetAt.UnixMilli(), bucket.TenantID,
		bucket.ResetAt.Add(r.retention).UnixMilli()).Int64Slice()
	if err != nil {
		return bucket, false, fmt.Errorf("consume quota: %w", err)
	}
	if len(res) != 2 {
		return bucket, false, fmt.Errorf("consume quota: unexpected reply %v", res)
	}
	usage := bucket
	usage.Used = res[1]
	return usage, res[0] == 1, nil
}

func (r *RedisCounter) Current(ctx context.Context, tenantID string, period store.Period, bucketStart time.Time) (*store.QuotaUsage, error) {
	fields, err := r.client.HGetAll(ctx, counterKey(tenantID, period, bucketStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("read quota bucket: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return parseBucket(fields, period, bucketStart)
}

func (r *RedisCounter) ListBuckets(ctx context.Context, period store.Period, bucketStart time.Time) ([]store.QuotaUsage, error) {
	pattern := fmt.Sprintf("%s*:%s:%d", counterPrefix, period, bucketStart.UTC().Unix())
	var (
		buckets []store.QuotaUsage
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("read quota bucket %s: %w", key, err)
			}
			if len(fields) == 0 {
				continue
			}
			u, err := parseBucket(fields, period, bucketStart)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, *u)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return buckets, nil
}

func parseBucket(fields map[string]string, period store.Period, bucketStart time.Time) (*store.QuotaUsage, error) {
	u := &store.QuotaUsage{TenantID: fields["tenant_id"], Period: period, BucketStart: bucketStart}
	var err error
	if u.Used, err = strconv.ParseInt(fields["used"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse used: %w", err)
	}
	if u.Limit, err = strconv.ParseInt(fields["limit"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse limit: %w", err)
	}
	resetMs, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	u.ResetAt = time.UnixMilli(resetMs).UTC()
	return u, nil
}
