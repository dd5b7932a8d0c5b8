package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const messageColumns = `id, tenant_id, idempotency_key, channel, direction, recipient, dossier_id, template_code, subject, category,
payload, status, attempt_count, max_attempts, next_retry_at, provider_message_id, error_code, error_message,
sent_at, delivered_at, read_at, created_at, updated_at`

type txKey struct{}

// PostgresRepository implements MessageRepository and MetricsReader on outbound_messages.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Create(ctx context.Context, msg *OutboundMessage) (*OutboundMessage, bool, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}

	var stored *OutboundMessage
	created := false
	err = p.withTransaction(ctx, "CreateMessage", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outbound_messages (id, tenant_id, idempotency_key, channel, direction, recipient, dossier_id,
             template_code, subject, category, payload, status, attempt_count, max_attempts, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
             ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
			msg.ID, msg.TenantID, nullString(msg.IdempotencyKey), msg.Channel, msg.Direction, msg.Recipient,
			nullString(msg.DossierID), nullString(msg.TemplateCode), nullString(msg.Subject), msg.Category,
			payload, msg.Status, msg.AttemptCount, msg.MaxAttempts, msg.CreatedAt, msg.UpdatedAt)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 1 {
			stored, created = msg, true
			return 1, nil
		}
		if msg.IdempotencyKey == "" {
			return 0, fmt.Errorf("insert of message %s affected no rows", msg.ID)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM outbound_messages WHERE tenant_id=$1 AND idempotency_key=$2`,
			msg.TenantID, msg.IdempotencyKey)
		stored, err = scanMessage(row)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*OutboundMessage, error) {
	return p.findOne(ctx, "GetMessage", `SELECT `+messageColumns+` FROM outbound_messages WHERE id=$1`, id)
}

func (p *PostgresRepository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*OutboundMessage, error) {
	return p.findOne(ctx, "FindByIdempotencyKey",
		`SELECT `+messageColumns+` FROM outbound_messages WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, key)
}

func (p *PostgresRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*OutboundMessage, error) {
	return p.findOne(ctx, "FindByProviderMessageID",
		`SELECT `+messageColumns+` FROM outbound_messages WHERE provider_message_id=$1`, providerMessageID)
}

func (p *PostgresRepository) findOne(ctx context.Context, spanName, query string, args ...any) (*OutboundMessage, error) {
	var msg *OutboundMessage
	err := p.withTransaction(ctx, spanName, func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		msg, err = scanMessage(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return msg, err
}

func (p *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboundMessage, error) {
	var claimed []OutboundMessage
	err := p.withTransaction(ctx, "ClaimDue", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`UPDATE outbound_messages SET status='SENDING', updated_at=$1
             WHERE id IN (SELECT id FROM outbound_messages
                 WHERE status='QUEUED' AND (next_retry_at IS NULL OR next_retry_at <= $1)
                 ORDER BY COALESCE(next_retry_at, created_at)
                 FOR UPDATE SKIP LOCKED LIMIT $2)
             AND status='QUEUED'
             RETURNING `+messageColumns, now, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return 0, err
			}
			claimed = append(claimed, *msg)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return len(claimed), nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *PostgresRepository) Transition(ctx context.Context, t Transition) error {
	if !t.From.CanTransitionTo(t.To) && !(t.From == StatusDeadLetter && t.To == StatusQueued) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	return p.withTransaction(ctx, "Transition", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbound_messages SET status=$1, attempt_count=$2, next_retry_at=$3,
             provider_message_id=COALESCE($4, provider_message_id), error_code=$5, error_message=$6,
             sent_at=CASE WHEN $1='SENT' THEN $7 ELSE sent_at END, updated_at=$7
             WHERE id=$8 AND status=$9`,
			t.To, t.AttemptCount, nullTime(t.NextRetryAt), nullString(t.ProviderMessageID),
			nullString(t.ErrorCode), nullString(t.ErrorMessage), t.At, t.MessageID, t.From)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: message %s is no longer %s", ErrConflict, t.MessageID, t.From)
		}
		if t.Attempt != nil {
			if err := insertAttempt(ctx, tx, t.MessageID, *t.Attempt); err != nil {
				return 0, err
			}
		}
		return int(n), nil
	})
}

func (p *PostgresRepository) AdvanceStatus(ctx context.Context, a Advance) (bool, error) {
	from := Predecessors(a.To)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing precedes %s", ErrInvalidTransition, a.To)
	}
	applied := false
	err := p.withTransaction(ctx, "AdvanceStatus", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbound_messages SET status=$1, next_retry_at=NULL,
             provider_message_id=COALESCE($2, provider_message_id),
             error_code=COALESCE($3, error_code), error_message=COALESCE($4, error_message),
             sent_at=CASE WHEN $1 IN ('SENT', 'DELIVERED', 'READ') THEN COALESCE(sent_at, $5) ELSE sent_at END,
             delivered_at=CASE WHEN $1 IN ('DELIVERED', 'READ') THEN COALESCE(delivered_at, $5) ELSE delivered_at END,
             read_at=CASE WHEN $1='READ' THEN $5 ELSE read_at END, updated_at=$5
             WHERE id=$6 AND status = ANY($7)`,
			a.To, nullString(a.ProviderMessageID), nullString(a.ErrorCode), nullString(a.ErrorMessage),
			a.At, a.MessageID, pq.Array(statusStrings(from)))
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		applied = n > 0
		if a.Attempt != nil {
			attempt := *a.Attempt
			if err := tx.QueryRowContext(ctx,
				`UPDATE outbound_messages SET attempt_count=attempt_count+1 WHERE id=$1 RETURNING attempt_count`,
				a.MessageID).Scan(&attempt.Number); err != nil {
				return 0, err
			}
			if err := insertAttempt(ctx, tx, a.MessageID, attempt); err != nil {
				return 0, err
			}
		}
		return int(n), nil
	})
	return applied, err
}

func (p *PostgresRepository) RecoverStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	var recovered int64
	err := p.withTransaction(ctx, "RecoverStale", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbound_messages SET status='QUEUED', next_retry_at=NULL, updated_at=$1
             WHERE status='SENDING' AND updated_at < $2`, now, olderThan)
		if err != nil {
			return 0, err
		}
		recovered, err = res.RowsAffected()
		return int(recovered), err
	})
	return recovered, err
}

func (p *PostgresRepository) Attempts(ctx context.Context, messageID string) ([]Attempt, error) {
	var attempts []Attempt
	err := p.withTransaction(ctx, "Attempts", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT attempt_number, outcome, error_code, error_message, actor, duration_ms, created_at
             FROM outbound_attempts WHERE message_id=$1 ORDER BY created_at, id`, messageID)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a                    Attempt
				code, message, actor sql.NullString
				durationMs           int64
			)
			if err := rows.Scan(&a.Number, &a.Outcome, &code, &message, &actor, &durationMs, &a.CreatedAt); err != nil {
				return 0, err
			}
			a.MessageID = messageID
			a.ErrorCode, a.ErrorMessage, a.Actor = code.String, message.String, actor.String
			a.Duration = time.Duration(durationMs) * time.Millisecond
			attempts = append(attempts, a)
		}
		return len(attempts), rows.Err()
	})
	return attempts, err
}

func insertAttempt(ctx context.Context, tx *sql.Tx, messageID string, a Attempt) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbound_attempts (message_id, attempt_number, outcome, error_code, error_message, actor, duration_ms, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		messageID, a.Number, a.Outcome, nullString(a.ErrorCode), nullString(a.ErrorMessage), nullString(a.Actor),
		a.Duration.Milliseconds(), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// withTransaction runs fn inside a span and a transaction, joining the
// transaction already carried by ctx when there is one.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) error {
	return runInTransaction(ctx, p.db, spanName, fn)
}

func runInTransaction(ctx context.Context, db *sql.DB, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			err = tx.Commit()
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	rows, err := fn(ctx, tx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
			span.RecordError(err)
		}
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, rows, time.Since(start))
	span.SetAttributes(attribute.Bool("db.joined_transaction", ok))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*OutboundMessage, error) {
	var (
		msg                                    OutboundMessage
		idemKey, dossier, template, subject    sql.NullString
		providerID, errCode, errMessage        sql.NullString
		nextRetry, sentAt, deliveredAt, readAt sql.NullTime
		payload                                []byte
	)
	err := row.Scan(&msg.ID, &msg.TenantID, &idemKey, &msg.Channel, &msg.Direction, &msg.Recipient, &dossier,
		&template, &subject, &msg.Category, &payload, &msg.Status, &msg.AttemptCount, &msg.MaxAttempts, &nextRetry,
		&providerID, &errCode, &errMessage, &sentAt, &deliveredAt, &readAt, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.IdempotencyKey, msg.DossierID, msg.TemplateCode, msg.Subject = idemKey.String, dossier.String, template.String, subject.String
	msg.ProviderMessageID, msg.ErrorCode, msg.ErrorMessage = providerID.String, errCode.String, errMessage.String
	msg.NextRetryAt, msg.SentAt, msg.DeliveredAt, msg.ReadAt = timePtr(nextRetry), timePtr(sentAt), timePtr(deliveredAt), timePtr(readAt)
	msg.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
