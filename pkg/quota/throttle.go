package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Throttler keeps per (tenant, channel) markers set from provider rate-limit feedback.
type Throttler interface {
	// Throttle blocks the pair until the given instant, as seen from now. An
	// earlier marker is extended, never shortened.
	Throttle(ctx context.Context, tenantID string, channel store.Channel, until, now time.Time) error
	// ThrottledUntil returns the marker expiry and whether it is still in force at now.
	ThrottledUntil(ctx context.Context, tenantID string, channel store.Channel, now time.Time) (time.Time, bool, error)
}

func throttleKey(tenantID string, channel store.Channel) string {
	return "throttle:" + tenantID + ":" + string(channel)
}

// LocalThrottle keeps markers in process memory. Use RedisThrottle when several replicas dispatch.
type LocalThrottle struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewLocalThrottle() *LocalThrottle {
	return &LocalThrottle{until: map[string]time.Time{}}
}

func (l *LocalThrottle) Throttle(_ context.Context, tenantID string, channel store.Channel, until, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := throttleKey(tenantID, channel)
	if until.After(l.until[k]) {
		l.until[k] = until
	}
	return nil
}

func (l *LocalThrottle) ThrottledUntil(_ context.Context, tenantID string, channel store.Channel, now time.Time) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := throttleKey(tenantID, channel)
	until, ok := l.until[k]
	if !ok {
		return time.Time{}, false, nil
	}
	if !now.Before(until) {
		delete(l.until, k)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// extendMarker stores ARGV[1] (unix millis) unless a later marker is already set.
var extendMarker = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local untilMs = tonumber(ARGV[1])
if untilMs > current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// RedisThrottle shares markers between dispatcher replicas.
type RedisThrottle struct {
	client redis.UniversalClient
}

func NewRedisThrottle(client redis.UniversalClient) *RedisThrottle {
	return &RedisThrottle{client: client}
}

func (r *RedisThrottle) Throttle(ctx context.Context, tenantID string, channel store.Channel, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	err := extendMarker.Run(ctx, r.client, []string{throttleKey(tenantID, channel)},
		until.UnixMilli(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("set throttle marker: %w", err)
	}
	return nil
}

func (r *RedisThrottle) ThrottledUntil(ctx context.Context, tenantID string, channel store.Channel, now time.Time) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, throttleKey(tenantID, channel)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get throttle marker: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse throttle marker %q: %w", val, err)
	}
	until := time.UnixMilli(ms)
	if !now.Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}
