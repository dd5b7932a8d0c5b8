package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresSessionRepository stores windows in session_windows.
type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

func (p *PostgresSessionRepository) Get(ctx context.Context, tenantID string, channel Channel, recipient string) (*SessionWindow, error) {
	w := &SessionWindow{TenantID: tenantID, Channel: channel, Recipient: recipient}
	err := runInTransaction(ctx, p.db, "GetSessionWindow", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var lastOutbound sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT window_opens_at, window_expires_at, last_inbound_at, last_outbound_at
             FROM session_windows WHERE tenant_id=$1 AND channel=$2 AND recipient=$3`,
			tenantID, channel, recipient).Scan(&w.WindowOpensAt, &w.WindowExpiresAt, &w.LastInboundAt, &lastOutbound)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		w.LastOutboundAt = timePtr(lastOutbound)
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresSessionRepository) RecordInbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time, window time.Duration) (*SessionWindow, error) {
	w := &SessionWindow{TenantID: tenantID, Channel: channel, Recipient: recipient}
	err := runInTransaction(ctx, p.db, "RecordInbound", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var lastOutbound sql.NullTime
		err := tx.QueryRowContext(ctx,
			`INSERT INTO session_windows (tenant_id, channel, recipient, window_opens_at, window_expires_at, last_inbound_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $4, $4)
             ON CONFLICT (tenant_id, channel, recipient) DO UPDATE SET
                 window_opens_at = CASE WHEN session_windows.window_expires_at <= EXCLUDED.last_inbound_at
                     THEN EXCLUDED.window_opens_at ELSE session_windows.window_opens_at END,
                 last_inbound_at = GREATEST(session_windows.last_inbound_at, EXCLUDED.last_inbound_at),
                 window_expires_at = GREATEST(session_windows.window_expires_at, EXCLUDED.window_expires_at),
                 updated_at = EXCLUDED.updated_at
             RETURNING window_opens_at, window_expires_at, last_inbound_at, last_outbound_at`,
			tenantID, channel, recipient, at, at.Add(window)).
			Scan(&w.WindowOpensAt, &w.WindowExpiresAt, &w.LastInboundAt, &lastOutbound)
		if err != nil {
			return 0, err
		}
		w.LastOutboundAt = timePtr(lastOutbound)
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresSessionRepository) RecordOutbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time) error {
	return runInTransaction(ctx, p.db, "RecordOutbound", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE session_windows SET last_outbound_at=$1, updated_at=$1
             WHERE tenant_id=$2 AND channel=$3 AND recipient=$4`, at, tenantID, channel, recipient)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}
