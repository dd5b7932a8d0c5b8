package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

func (p *PostgresRepository) CountByChannel(ctx context.Context, f CountFilter) (map[Channel]int64, error) {
	counts := map[Channel]int64{}
	err := p.withTransaction(ctx, "CountByChannel", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT channel, COUNT(*) FROM outbound_messages
             WHERE status = ANY($1)
             AND ($2::timestamptz IS NULL OR updated_at >= $2)
             AND ($3::timestamptz IS NULL OR updated_at < $3)
             AND ($4 = '' OR tenant_id = $4)
             GROUP BY channel`,
			pq.Array(statusStrings(f.Statuses)), openEnded(f.Since), openEnded(f.Until), f.TenantID)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				channel Channel
				n       int64
			)
			if err := rows.Scan(&channel, &n); err != nil {
				return 0, err
			}
			counts[channel] = n
		}
		return len(counts), rows.Err()
	})
	return counts, err
}

func (p *PostgresRepository) CountByErrorCode(ctx context.Context, f CountFilter) (map[string]int64, error) {
	counts := map[string]int64{}
	err := p.withTransaction(ctx, "CountByErrorCode", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT COALESCE(error_code, 'UNKNOWN'), COUNT(*) FROM outbound_messages
             WHERE status = ANY($1)
             AND ($2::timestamptz IS NULL OR updated_at >= $2)
             AND ($3::timestamptz IS NULL OR updated_at < $3)
             AND ($4 = '' OR tenant_id = $4)
             GROUP BY 1`,
			pq.Array(statusStrings(f.Statuses)), openEnded(f.Since), openEnded(f.Until), f.TenantID)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				code string
				n    int64
			)
			if err := rows.Scan(&code, &n); err != nil {
				return 0, err
			}
			counts[code] = n
		}
		return len(counts), rows.Err()
	})
	return counts, err
}

func (p *PostgresRepository) LatencySamples(ctx context.Context, since, until time.Time) ([]LatencySample, error) {
	var samples []LatencySample
	err := p.withTransaction(ctx, "LatencySamples", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT channel, EXTRACT(EPOCH FROM (COALESCE(delivered_at, sent_at) - created_at))
             FROM outbound_messages
             WHERE sent_at IS NOT NULL AND created_at >= $1 AND created_at < $2`, since, until)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var s LatencySample
			if err := rows.Scan(&s.Channel, &s.Seconds); err != nil {
				return 0, err
			}
			samples = append(samples, s)
		}
		return len(samples), rows.Err()
	})
	return samples, err
}

func (p *PostgresRepository) FailureTrend(ctx context.Context, since, until time.Time) ([]TrendPoint, error) {
	var trend []TrendPoint
	err := p.withTransaction(ctx, "FailureTrend", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT date_trunc('day', updated_at) AS day,
                    COUNT(*) FILTER (WHERE status='DEAD_LETTER'), COUNT(*)
             FROM outbound_messages
             WHERE status IN ('SENT', 'DELIVERED', 'READ', 'DEAD_LETTER') AND updated_at >= $1 AND updated_at < $2
             GROUP BY day ORDER BY day`, since, until)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var tp TrendPoint
			if err := rows.Scan(&tp.Day, &tp.Failures, &tp.Total); err != nil {
				return 0, err
			}
			trend = append(trend, tp)
		}
		return len(trend), rows.Err()
	})
	return trend, err
}

func (p *PostgresRepository) RecentDeadLetters(ctx context.Context, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	var messages []OutboundMessage
	err := p.withTransaction(ctx, "RecentDeadLetters", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM outbound_messages
             WHERE status='DEAD_LETTER' ORDER BY updated_at DESC LIMIT $1`, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return 0, err
			}
			messages = append(messages, *msg)
		}
		return len(messages), rows.Err()
	})
	return messages, err
}

func (p *PostgresRepository) CountSentByCategory(ctx context.Context, tenantID string, since time.Time) ([]CategoryCount, error) {
	var counts []CategoryCount
	err := p.withTransaction(ctx, "CountSentByCategory", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT channel, category, COUNT(*) FROM outbound_messages
             WHERE tenant_id=$1 AND sent_at >= $2
             GROUP BY channel, category`, tenantID, since)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var c CategoryCount
			if err := rows.Scan(&c.Channel, &c.Category, &c.Count); err != nil {
				return 0, err
			}
			counts = append(counts, c)
		}
		return len(counts), rows.Err()
	})
	return counts, err
}
