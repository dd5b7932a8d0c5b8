package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQuotaRepository stores buckets in quota_usage. Superseded buckets are
// closed, never deleted.
type PostgresQuotaRepository struct {
	db *sql.DB
}

func NewPostgresQuotaRepository(db *sql.DB) *PostgresQuotaRepository {
	return &PostgresQuotaRepository{db: db}
}

func (p *PostgresQuotaRepository) Consume(ctx context.Context, bucket QuotaUsage, n int64, at time.Time) (QuotaUsage, bool, error) {
	usage := bucket
	allowed := false
	err := runInTransaction(ctx, p.db, "ConsumeQuota", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE quota_usage SET closed_at=$1
             WHERE tenant_id=$2 AND period=$3 AND bucket_start < $4 AND closed_at IS NULL`,
			at, bucket.TenantID, bucket.Period, bucket.BucketStart); err != nil {
			return 0, err
		}
		if !bucket.Unlimited() && n > bucket.Limit {
			return 0, nil
		}

		err := tx.QueryRowContext(ctx,
			`INSERT INTO quota_usage (tenant_id, period, bucket_start, used, limit_value, reset_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7)
             ON CONFLICT (tenant_id, period, bucket_start) DO UPDATE
             SET used = quota_usage.used + EXCLUDED.used, updated_at = EXCLUDED.updated_at
             WHERE quota_usage.limit_value < 0 OR quota_usage.used + EXCLUDED.used <= quota_usage.limit_value
             RETURNING used, limit_value, reset_at`,
			bucket.TenantID, bucket.Period, bucket.BucketStart, n, bucket.Limit, bucket.ResetAt, at).
			Scan(&usage.Used, &usage.Limit, &usage.ResetAt)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`SELECT used, limit_value, reset_at FROM quota_usage
                 WHERE tenant_id=$1 AND period=$2 AND bucket_start=$3`,
				bucket.TenantID, bucket.Period, bucket.BucketStart).Scan(&usage.Used, &usage.Limit, &usage.ResetAt)
			return 0, err
		}
		if err != nil {
			return 0, err
		}
		allowed = true
		return 1, nil
	})
	if err != nil {
		return bucket, false, err
	}
	return usage, allowed, nil
}

func (p *PostgresQuotaRepository) Current(ctx context.Context, tenantID string, period Period, bucketStart time.Time) (*QuotaUsage, error) {
	usage := &QuotaUsage{TenantID: tenantID, Period: period, BucketStart: bucketStart}
	err := runInTransaction(ctx, p.db, "CurrentQuota", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT used, limit_value, reset_at FROM quota_usage
             WHERE tenant_id=$1 AND period=$2 AND bucket_start=$3`,
			tenantID, period, bucketStart).Scan(&usage.Used, &usage.Limit, &usage.ResetAt)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func (p *PostgresQuotaRepository) ListBuckets(ctx context.Context, period Period, bucketStart time.Time) ([]QuotaUsage, error) {
	var buckets []QuotaUsage
	err := runInTransaction(ctx, p.db, "ListQuotaBuckets", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT tenant_id, used, limit_value, reset_at FROM quota_usage
             WHERE period=$1 AND bucket_start=$2 ORDER BY tenant_id`, period, bucketStart)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			u := QuotaUsage{Period: period, BucketStart: bucketStart}
			if err := rows.Scan(&u.TenantID, &u.Used, &u.Limit, &u.ResetAt); err != nil {
				return 0, err
			}
			buckets = append(buckets, u)
		}
		return len(buckets), rows.Err()
	})
	return buckets, err
}
