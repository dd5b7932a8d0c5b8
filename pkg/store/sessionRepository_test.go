package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSession_RecordInbound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresSessionRepository(db)

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	expires := at.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO session_windows .+ ON CONFLICT \(tenant_id, channel, recipient\) DO UPDATE SET .+ RETURNING window_opens_at, window_expires_at, last_inbound_at, last_outbound_at`).
		WithArgs("tenant-1", ChannelWhatsApp, "+15551230000", at, expires).
		WillReturnRows(sqlmock.NewRows([]string{"window_opens_at", "window_expires_at", "last_inbound_at", "last_outbound_at"}).
			AddRow(at, expires, at, nil))
	mock.ExpectCommit()

	w, err := repo.RecordInbound(context.Background(), "tenant-1", ChannelWhatsApp, "+15551230000", at, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, expires, w.WindowExpiresAt)
	assert.Nil(t, w.LastOutboundAt)
	assert.True(t, w.IsOpen(expires.Add(-time.Second)))
	assert.False(t, w.IsOpen(expires))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSession_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresSessionRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT window_opens_at, window_expires_at, last_inbound_at, last_outbound_at FROM session_windows`).
		WithArgs("tenant-1", ChannelWhatsApp, "+15551230000").
		WillReturnRows(sqlmock.NewRows([]string{"window_opens_at", "window_expires_at", "last_inbound_at", "last_outbound_at"}))
	mock.ExpectRollback()

	w, err := repo.Get(context.Background(), "tenant-1", ChannelWhatsApp, "+15551230000")
	assert.Nil(t, w)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSession_RecordOutboundNeverCreates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresSessionRepository(db)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE session_windows SET last_outbound_at=\$1, updated_at=\$1 WHERE tenant_id=\$2 AND channel=\$3 AND recipient=\$4`).
		WithArgs(at, "tenant-1", ChannelWhatsApp, "+15551230000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = repo.RecordOutbound(context.Background(), "tenant-1", ChannelWhatsApp, "+15551230000", at)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
