package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/store"
	"github.com/zoff-tech/go-outbound/pkg/store/storetest"
)

func testTiers(t *testing.T, limit int64) *StaticTiers {
	t.Helper()
	tiers, err := NewStaticTiers(config.QuotaSettings{
		DefaultTier: 1,
		Tiers: []config.TierSettings{
			{Level: 1, Limit: limit, Period: "DAY"},
			{Level: 4, Limit: -1, Period: "DAY"},
		},
		TenantTiers: map[string]int{"vip": 4},
	})
	require.NoError(t, err)
	return tiers
}

func TestTryConsume_StopsAtLimit(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewQuotaStore()
	m := NewManager(repo, testTiers(t, 2))
	now := time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC)

	for i := 1; i <= 2; i++ {
		d, err := m.TryConsume(ctx, "t1", store.ChannelSMS, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.Usage.Used)
	}

	d, err := m.TryConsume(ctx, "t1", store.ChannelSMS, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, 6*time.Hour, d.RetryAfter)
	assert.Equal(t, int64(2), d.Usage.Used)

	usage, err := m.Usage(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Used)

	// The next day starts a fresh bucket.
	d, err = m.TryConsume(ctx, "t1", store.ChannelSMS, now.Add(7*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Usage.Used)
}

func TestTryConsume_UnlimitedTierStillCounts(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewQuotaStore(), testTiers(t, 0))
	now := time.Now()

	for i := 0; i < 5; i++ {
		d, err := m.TryConsume(ctx, "VIP", store.ChannelEmail, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	usage, err := m.Usage(ctx, "VIP", now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.Used)
	assert.True(t, usage.Unlimited())
}

func TestTryConsume_ConcurrentNeverPassesLimit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewQuotaStore(), testTiers(t, 25))
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.TryConsume(ctx, "t1", store.ChannelSMS, now)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, allowed)
	usage, err := m.Usage(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(25), usage.Used)
}

func TestThrottle_BlocksUntilExpiry(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewQuotaStore()
	m := NewManager(repo, testTiers(t, 100), WithThrottleBackoff(time.Minute))
	now := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.Throttle(ctx, "t1", store.ChannelWhatsApp, 0, now))

	d, err := m.TryConsume(ctx, "t1", store.ChannelWhatsApp, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonThrottled, d.Reason)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	_, err = m.Enforce(ctx, "t1", store.ChannelWhatsApp, now.Add(10*time.Second))
	assert.ErrorIs(t, err, ErrThrottled)

	// Other channels of the tenant are unaffected.
	d, err = m.TryConsume(ctx, "t1", store.ChannelEmail, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// The bucket is per tenant and period, so the email send above counted too.
	d, err = m.TryConsume(ctx, "t1", store.ChannelWhatsApp, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Usage.Used)
}

func TestUtilization(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewQuotaStore(), testTiers(t, 10))
	now := time.Now()

	_, err := m.TryConsume(ctx, "t1", store.ChannelSMS, now)
	require.NoError(t, err)
	_, err = m.TryConsume(ctx, "t2", store.ChannelSMS, now)
	require.NoError(t, err)

	buckets, err := m.Utilization(ctx, now)
	require.NoError(t, err)
	assert.Len(t, buckets, 2)
	for _, b := range buckets {
		assert.InDelta(t, 0.1, b.Utilization(), 1e-9)
	}
}

func TestNewStaticTiers_UndefinedDefault(t *testing.T) {
	_, err := NewStaticTiers(config.QuotaSettings{
		DefaultTier: 2,
		Tiers:       []config.TierSettings{{Level: 1, Limit: 1000, Period: "DAY"}},
	})
	assert.Error(t, err)
}

func TestProjectCost_NotConfigured(t *testing.T) {
	m := NewManager(storetest.NewQuotaStore(), testTiers(t, 10))
	_, err := m.ProjectCost(context.Background(), "t1", time.Now())
	assert.Error(t, err)
}
