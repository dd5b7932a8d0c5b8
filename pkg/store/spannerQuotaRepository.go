package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

var quotaColumns = []string{"tenant_id", "period", "bucket_start", "used", "limit_value", "reset_at", "updated_at"}

// SpannerQuotaRepository keeps the quota ledger in a Spanner table keyed by
// (tenant_id, period, bucket_start). Superseded buckets are closed, never deleted.
type SpannerQuotaRepository struct {
	client *spanner.Client
}

func NewSpannerQuotaRepository(client *spanner.Client) *SpannerQuotaRepository {
	return &SpannerQuotaRepository{client: client}
}

func (s *SpannerQuotaRepository) Consume(ctx context.Context, bucket QuotaUsage, n int64, at time.Time) (QuotaUsage, bool, error) {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, "ConsumeQuota")
	defer span.End()
	startTime := time.Now()

	usage := bucket
	allowed := false
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		usage, allowed = bucket, false
		if err := closeSuperseded(ctx, txn, bucket, at); err != nil {
			return err
		}
		row, err := txn.ReadRow(ctx, "quota_usage",
			spanner.Key{bucket.TenantID, string(bucket.Period), bucket.BucketStart},
			[]string{"used", "limit_value", "reset_at"})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			usage.Used = 0
		case err != nil:
			return err
		default:
			if err := row.Columns(&usage.Used, &usage.Limit, &usage.ResetAt); err != nil {
				return err
			}
		}

		if !usage.Unlimited() && usage.Used+n > usage.Limit {
			return nil
		}
		usage.Used += n
		allowed = true
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("quota_usage", quotaColumns, []interface{}{
				usage.TenantID, string(usage.Period), usage.BucketStart, usage.Used, usage.Limit, usage.ResetAt, at,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		return bucket, false, err
	}
	addDBStatsToSpan(span, "spanner", "ConsumeQuota", 1, time.Since(startTime))
	return usage, allowed, nil
}

// closeSuperseded stamps closed_at on the tenant's earlier buckets of the same
// period that are still open.
func closeSuperseded(ctx context.Context, txn *spanner.ReadWriteTransaction, bucket QuotaUsage, at time.Time) error {
	earlier := spanner.KeyRange{
		Start: spanner.Key{bucket.TenantID, string(bucket.Period)},
		End:   spanner.Key{bucket.TenantID, string(bucket.Period), bucket.BucketStart},
		Kind:  spanner.ClosedOpen,
	}
	iter := txn.Read(ctx, "quota_usage", earlier, []string{"bucket_start", "closed_at"})
	defer iter.Stop()

	var closes []*spanner.Mutation
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		var (
			start    time.Time
			closedAt spanner.NullTime
		)
		if err := row.Columns(&start, &closedAt); err != nil {
			return err
		}
		if closedAt.Valid {
			continue
		}
		closes = append(closes, spanner.Update("quota_usage",
			[]string{"tenant_id", "period", "bucket_start", "closed_at"},
			[]interface{}{bucket.TenantID, string(bucket.Period), start, at}))
	}
	if len(closes) == 0 {
		return nil
	}
	return txn.BufferWrite(closes)
}

func (s *SpannerQuotaRepository) Current(ctx context.Context, tenantID string, period Period, bucketStart time.Time) (*QuotaUsage, error) {
	row, err := s.client.Single().ReadRow(ctx, "quota_usage",
		spanner.Key{tenantID, string(period), bucketStart}, []string{"used", "limit_value", "reset_at"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	usage := &QuotaUsage{TenantID: tenantID, Period: period, BucketStart: bucketStart}
	if err := row.Columns(&usage.Used, &usage.Limit, &usage.ResetAt); err != nil {
		return nil, err
	}
	return usage, nil
}

func (s *SpannerQuotaRepository) ListBuckets(ctx context.Context, period Period, bucketStart time.Time) ([]QuotaUsage, error) {
	stmt := spanner.Statement{
		SQL: `SELECT tenant_id, used, limit_value, reset_at FROM quota_usage
              WHERE period = @period AND bucket_start = @bucketStart
              ORDER BY tenant_id`,
		Params: map[string]interface{}{
			"period":      string(period),
			"bucketStart": bucketStart,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var buckets []QuotaUsage
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		u := QuotaUsage{Period: period, BucketStart: bucketStart}
		if err := row.Columns(&u.TenantID, &u.Used, &u.Limit, &u.ResetAt); err != nil {
			return nil, err
		}
		buckets = append(buckets, u)
	}
	return buckets, nil
}
