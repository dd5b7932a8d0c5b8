package store

import (
	"context"
	"time"
)

// Period is the length of a quota bucket.
type Period string

const (
	PeriodDay   Period = "DAY"
	PeriodMonth Period = "MONTH"
)

// Unlimited marks a bucket without a ceiling.
const Unlimited int64 = -1

// Bucket returns the UTC start of the bucket containing now and the instant it resets.
func (p Period) Bucket(now time.Time) (start, resetAt time.Time) {
	now = now.UTC()
	switch p {
	case PeriodMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

// QuotaUsage is one append-only usage bucket of a tenant.
type QuotaUsage struct {
	TenantID    string    `json:"tenant_id"`
	Period      Period    `json:"period"`
	BucketStart time.Time `json:"bucket_start"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
}

// Unlimited reports whether the bucket has no ceiling.
func (u QuotaUsage) Unlimited() bool {
	return u.Limit < 0
}

// Utilization is Used/Limit, or 0 for unlimited buckets.
func (u QuotaUsage) Utilization() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// QuotaRepository keeps atomically incremented usage counters per (tenant, period bucket).
type QuotaRepository interface {
	// Consume adds n to the bucket unless that would pass its limit. The
	// returned usage reflects the stored counter; allowed=false leaves it untouched.
	Consume(ctx context.Context, bucket QuotaUsage, n int64, at time.Time) (usage QuotaUsage, allowed bool, err error)
	// Current returns ErrNotFound when the bucket was never used.
	Current(ctx context.Context, tenantID string, period Period, bucketStart time.Time) (*QuotaUsage, error)
	// ListBuckets returns every tenant's bucket starting at bucketStart.
	ListBuckets(ctx context.Context, period Period, bucketStart time.Time) ([]QuotaUsage, error)
}
