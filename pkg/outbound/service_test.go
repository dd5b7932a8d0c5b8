package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-outbound/pkg/channel"
	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/idempotency"
	"github.com/zoff-tech/go-outbound/pkg/processor"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/reconciler"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
	"github.com/zoff-tech/go-outbound/pkg/store/storetest"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	repo     *storetest.MessageStore
	quotas   *storetest.QuotaStore
	sessions *session.Tracker
	svc      *Service
}

func newHarness(t *testing.T, dailyLimit int64) *harness {
	t.Helper()
	tiers, err := quota.NewStaticTiers(config.QuotaSettings{
		DefaultTier: 1,
		Tiers:       []config.TierSettings{{Level: 1, Limit: dailyLimit, Period: "DAY"}},
	})
	require.NoError(t, err)

	h := &harness{
		repo:     storetest.NewMessageStore(),
		quotas:   storetest.NewQuotaStore(),
		sessions: session.NewTracker(storetest.NewSessionStore(), session.DefaultWindow, nil),
	}
	h.svc = NewService(h.repo, idempotency.NewGuard(h.repo), 5,
		WithQuota(quota.NewManager(h.quotas, tiers)),
		WithSessions(h.sessions),
		WithClock(func() time.Time { return now }),
	)
	return h
}

func (h *harness) used(t *testing.T, tenantID string) int64 {
	t.Helper()
	start, _ := store.PeriodDay.Bucket(now)
	u, err := h.quotas.Current(context.Background(), tenantID, store.PeriodDay, start)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return u.Used
}

func templateRequest(key string) EnqueueRequest {
	return EnqueueRequest{
		TenantID:       "tenant-a",
		Channel:        "WHATSAPP",
		Recipient:      "+15551230000",
		TemplateCode:   "appt_reminder",
		Payload:        map[string]any{"name": "Ada"},
		IdempotencyKey: key,
	}
}

func TestEnqueue_HappyPathThroughDelivery(t *testing.T) {
	h := newHarness(t, 100)

	res, err := h.svc.Enqueue(context.Background(), templateRequest(""))
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, store.StatusQueued, res.Message.Status)
	assert.Equal(t, store.CategoryUtility, res.Message.Category)
	assert.Equal(t, 5, res.Message.MaxAttempts)

	senders := channel.NewRegistry()
	senders.Register(store.ChannelWhatsApp, channel.SenderFunc(func(_ context.Context, req channel.SendRequest) (channel.SendResult, error) {
		assert.Equal(t, "appt_reminder", req.TemplateCode)
		return channel.SendResult{ProviderMessageID: "wamid.happy"}, nil
	}))
	proc := processor.NewDispatchProcessor(h.repo, senders, config.DispatchSettings{
		Workers: 1, PollInterval: time.Second, SendTimeout: time.Second,
		MaxAttempts: 5, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour, StaleAfter: 10 * time.Minute,
	}, processor.WithSessionChecker(h.sessions), processor.WithClock(func() time.Time { return now }))

	processed, err := proc.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	msg, err := h.svc.Get(context.Background(), "tenant-a", res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msg.Status)

	rec := reconciler.NewReconciler(h.repo)
	outcome, err := rec.Apply(context.Background(), reconciler.Callback{
		Provider: reconciler.ProviderWhatsApp, ProviderMessageID: "wamid.happy", Status: "delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeApplied, outcome)

	msg, err = h.svc.Get(context.Background(), "tenant-a", res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, msg.Status)
}

func TestEnqueue_DuplicateKey(t *testing.T) {
	h := newHarness(t, 100)

	first, err := h.svc.Enqueue(context.Background(), templateRequest("appt-42-reminder"))
	require.NoError(t, err)
	second, err := h.svc.Enqueue(context.Background(), templateRequest("appt-42-reminder"))
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, 1, h.repo.Creates)
	assert.Equal(t, int64(1), h.used(t, "tenant-a"), "a deduplicated retry consumes no quota")

	other := templateRequest("appt-42-reminder")
	other.TenantID = "tenant-b"
	third, err := h.svc.Enqueue(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, third.Created, "keys are scoped per tenant")
}

func TestEnqueue_ConcurrentDuplicateKey(t *testing.T) {
	h := newHarness(t, -1)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Enqueue(context.Background(), templateRequest("same-key"))
			if !assert.NoError(t, err) {
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Created {
			created++
		}
		assert.Equal(t, results[0].Message.ID, r.Message.ID)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.repo.Len())
}

func TestEnqueue_QuotaExceeded(t *testing.T) {
	h := newHarness(t, 2)

	for i := 0; i < 2; i++ {
		_, err := h.svc.Enqueue(context.Background(), templateRequest(fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}
	_, err := h.svc.Enqueue(context.Background(), templateRequest("k-2"))

	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonQuotaExceeded, rej.Reason)
	assert.Equal(t, 12*time.Hour, rej.RetryAfter)
	assert.ErrorIs(t, err, quota.ErrThrottled)
	assert.Equal(t, 2, h.repo.Len())
	assert.Equal(t, int64(2), h.used(t, "tenant-a"))
}

func TestEnqueue_SessionWindow(t *testing.T) {
	h := newHarness(t, 100)
	freeform := EnqueueRequest{
		TenantID:  "tenant-a",
		Channel:   "whatsapp",
		Recipient: "+14155550100",
		Payload:   map[string]any{"text": "Your agent will call you back"},
	}

	_, err := h.svc.Enqueue(context.Background(), freeform)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonSessionWindowClosed, rej.Reason)
	assert.ErrorIs(t, err, ErrSessionWindowClosed)
	assert.Zero(t, h.used(t, "tenant-a"), "a session rejection consumes no quota")

	st, err := h.svc.RecordInbound(context.Background(), "tenant-a", "WHATSAPP", "14155550100", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, st.Open)
	assert.Equal(t, 23*time.Hour, st.Remaining)

	res, err := h.svc.Enqueue(context.Background(), freeform)
	require.NoError(t, err)
	assert.Equal(t, store.CategoryService, res.Message.Category)

	sms := freeform
	sms.Channel = "SMS"
	sms.Recipient = "+14155550199"
	_, err = h.svc.Enqueue(context.Background(), sms)
	assert.NoError(t, err, "sms has no session window")
}

func TestEnqueue_Validation(t *testing.T) {
	base := EnqueueRequest{TenantID: "tenant-a", Channel: "EMAIL", Recipient: "a@example.com", Subject: "Hi", Payload: map[string]any{"body": "x"}}
	tests := []struct {
		name   string
		mutate func(*EnqueueRequest)
	}{
		{"missing tenant", func(r *EnqueueRequest) { r.TenantID = "" }},
		{"unknown channel", func(r *EnqueueRequest) { r.Channel = "FAX" }},
		{"bad email", func(r *EnqueueRequest) { r.Recipient = "not-an-address" }},
		{"email without subject", func(r *EnqueueRequest) { r.Subject = "" }},
		{"empty payload without template", func(r *EnqueueRequest) { r.Payload = nil }},
		{"bad phone", func(r *EnqueueRequest) { r.Channel = "SMS"; r.Recipient = "call me" }},
		{"unknown whatsapp category", func(r *EnqueueRequest) {
			r.Channel, r.Recipient, r.TemplateCode, r.Category = "WHATSAPP", "+14155550100", "promo", "SPAM"
		}},
		{"too many attempts", func(r *EnqueueRequest) { r.MaxAttempts = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			req := base
			tt.mutate(&req)

			_, err := h.svc.Enqueue(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Zero(t, h.repo.Len())
		})
	}
}

func TestNormalizeRecipient(t *testing.T) {
	got, err := NormalizeRecipient(store.ChannelSMS, " 14155550100 ")
	require.NoError(t, err)
	assert.Equal(t, "+14155550100", got)

	got, err = NormalizeRecipient(store.ChannelEmail, "Ada@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 100)
	res, err := h.svc.Enqueue(context.Background(), templateRequest(""))
	require.NoError(t, err)

	_, err = h.svc.Cancel(context.Background(), "tenant-b", res.Message.ID, "ops")
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, err := h.svc.Cancel(context.Background(), "tenant-a", res.Message.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, msg.Status)

	_, err = h.svc.Cancel(context.Background(), "tenant-a", res.Message.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidState)

	attempts, err := h.svc.Attempts(context.Background(), "tenant-a", res.Message.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeCancelled, attempts[0].Outcome)
	assert.Equal(t, "ops", attempts[0].Actor)
}

func TestRequeue(t *testing.T) {
	h := newHarness(t, 100)
	dead := store.NewOutboundMessage("tenant-a", store.ChannelEmail, "a@example.com", 3, now.Add(-time.Hour))
	dead.Status = store.StatusDeadLetter
	dead.AttemptCount = 3
	dead.ErrorCode = "TIMEOUT"
	dead.ErrorMessage = "deadline exceeded"
	h.repo.Put(dead)

	msg, err := h.svc.Requeue(context.Background(), "tenant-a", dead.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, msg.Status)
	assert.Zero(t, msg.AttemptCount)
	assert.Empty(t, msg.ErrorCode)
	assert.Nil(t, msg.NextRetryAt)

	attempts, err := h.svc.Attempts(context.Background(), "tenant-a", dead.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeRequeued, attempts[0].Outcome)
	assert.Equal(t, 3, attempts[0].Number)
	assert.Equal(t, "TIMEOUT", attempts[0].ErrorCode)

	_, err = h.svc.Requeue(context.Background(), "tenant-a", dead.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordInbound_Validation(t *testing.T) {
	h := newHarness(t, 100)

	_, err := h.svc.RecordInbound(context.Background(), "", "WHATSAPP", "+14155550100", now)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.RecordInbound(context.Background(), "tenant-a", "PIGEON", "+14155550100", now)
	assert.ErrorIs(t, err, ErrValidation)
}
