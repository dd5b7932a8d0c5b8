package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriod_Bucket(t *testing.T) {
	now := time.Date(2024, 2, 29, 23, 30, 0, 0, time.UTC)

	start, reset := PeriodDay.Bucket(now)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), reset)

	start, reset = PeriodMonth.Bucket(now)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), reset)
}

func dayBucket(tenantID string, limit int64, now time.Time) QuotaUsage {
	start, reset := PeriodDay.Bucket(now)
	return QuotaUsage{TenantID: tenantID, Period: PeriodDay, BucketStart: start, Limit: limit, ResetAt: reset}
}

func TestPostgresQuota_ConsumeAllowed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresQuotaRepository(db)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bucket := dayBucket("tenant-1", 1000, now)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE quota_usage SET closed_at=\$1`).
		WithArgs(now, "tenant-1", PeriodDay, bucket.BucketStart).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO quota_usage .+ ON CONFLICT \(tenant_id, period, bucket_start\) DO UPDATE`).
		WithArgs("tenant-1", PeriodDay, bucket.BucketStart, 1, 1000, bucket.ResetAt, now).
		WillReturnRows(sqlmock.NewRows([]string{"used", "limit_value", "reset_at"}).AddRow(int64(42), int64(1000), bucket.ResetAt))
	mock.ExpectCommit()

	usage, allowed, err := repo.Consume(context.Background(), bucket, 1, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(42), usage.Used)
	assert.InDelta(t, 0.042, usage.Utilization(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQuota_ConsumeAtLimitLeavesCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresQuotaRepository(db)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bucket := dayBucket("tenant-1", 1000, now)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE quota_usage SET closed_at=\$1`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO quota_usage`).
		WillReturnRows(sqlmock.NewRows([]string{"used", "limit_value", "reset_at"}))
	mock.ExpectQuery(`SELECT used, limit_value, reset_at FROM quota_usage`).
		WithArgs("tenant-1", PeriodDay, bucket.BucketStart).
		WillReturnRows(sqlmock.NewRows([]string{"used", "limit_value", "reset_at"}).AddRow(int64(1000), int64(1000), bucket.ResetAt))
	mock.ExpectCommit()

	usage, allowed, err := repo.Consume(context.Background(), bucket, 1, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(1000), usage.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}
