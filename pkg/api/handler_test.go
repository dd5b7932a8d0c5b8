package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/idempotency"
	"github.com/zoff-tech/go-outbound/pkg/metrics"
	"github.com/zoff-tech/go-outbound/pkg/observability"
	"github.com/zoff-tech/go-outbound/pkg/outbound"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/reconciler"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
	"github.com/zoff-tech/go-outbound/pkg/store/storetest"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type server struct {
	repo   *storetest.MessageStore
	router http.Handler
}

func newServer(t *testing.T, dailyLimit int64) *server {
	t.Helper()
	clock := func() time.Time { return now }
	qcfg := config.QuotaSettings{
		DefaultTier: 1,
		Tiers:       []config.TierSettings{{Level: 1, Limit: dailyLimit, Period: "DAY"}},
		Currency:    "USD",
		UnitCosts:   map[string]map[string]float64{"whatsapp": {"utility": 0.004}},
	}
	tiers, err := quota.NewStaticTiers(qcfg)
	require.NoError(t, err)

	repo := storetest.NewMessageStore()
	projector, err := quota.NewCostProjector(repo, qcfg)
	require.NoError(t, err)
	quotas := quota.NewManager(storetest.NewQuotaStore(), tiers, quota.WithCostProjector(projector))
	sessions := session.NewTracker(storetest.NewSessionStore(), session.DefaultWindow, nil)

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	svc := outbound.NewService(repo, idempotency.NewGuard(repo), 5,
		outbound.WithQuota(quotas),
		outbound.WithSessions(sessions),
		outbound.WithClock(clock),
	)
	h := NewHandler(svc,
		reconciler.NewReconciler(repo, reconciler.WithMetrics(rec), reconciler.WithClock(clock)),
		observability.NewAggregator(repo, config.AlertSettings{
			DLQThreshold: 100, QueueThreshold: 1000, FailureRateThreshold: 0.3, Window: time.Hour,
		}, observability.WithQuota(quotas), observability.WithClock(clock)),
		quotas,
		WithClock(clock),
		WithWebhookVerifyToken("s3cret"),
		WithMaxBodyBytes(64<<10),
	)
	return &server{repo: repo, router: NewRouter(h, rec, reg, "")}
}

func (s *server) do(t *testing.T, method, target, tenant string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) store.OutboundMessage {
	t.Helper()
	var msg store.OutboundMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	return msg
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const templateBody = `{
	"channel": "WHATSAPP",
	"recipient": "+15551230000",
	"template_code": "appt_reminder",
	"payload": {"name": "Ada"},
	"idempotency_key": "appt-42"
}`

func TestEnqueue_CreatedThenDeduplicated(t *testing.T) {
	s := newServer(t, 100)

	first := s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decodeMessage(t, first)
	assert.Equal(t, store.StatusQueued, created.Status)
	assert.Equal(t, "tenant-a", created.TenantID)

	second := s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, created.ID, decodeMessage(t, second).ID)
	assert.Equal(t, 1, s.repo.Len())
}

func TestEnqueue_IdempotencyKeyHeader(t *testing.T) {
	s := newServer(t, 100)
	body := `{"channel":"EMAIL","recipient":"Ada@Example.com","subject":"Hi","payload":{"body":"hello"}}`

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set(TenantHeader, "tenant-a")
	req.Header.Set("Idempotency-Key", "welcome-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := decodeMessage(t, w)
	assert.Equal(t, "welcome-1", msg.IdempotencyKey)
	assert.Equal(t, "ada@example.com", msg.Recipient)
}

func TestEnqueue_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		tenant     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing tenant",
			body:       templateBody,
			wantStatus: http.StatusBadRequest,
			wantError:  "TENANT_REQUIRED",
		},
		{
			name:       "malformed json",
			tenant:     "tenant-a",
			body:       `{"channel":`,
			wantStatus: http.StatusBadRequest,
			wantError:  outbound.ReasonValidationFailed,
		},
		{
			name:       "unknown channel",
			tenant:     "tenant-a",
			body:       `{"channel":"FAX","recipient":"+15551230000","payload":{"a":1}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  outbound.ReasonValidationFailed,
		},
		{
			name:       "free-form whatsapp without open window",
			tenant:     "tenant-a",
			body:       `{"channel":"WHATSAPP","recipient":"+15551230000","payload":{"text":"hi"}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  outbound.ReasonSessionWindowClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, 100)
			w := s.do(t, http.MethodPost, "/v1/messages", tt.tenant, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, decodeError(t, w).Error)
			assert.Zero(t, s.repo.Len())
		})
	}
}

func TestEnqueue_QuotaExceeded(t *testing.T) {
	s := newServer(t, 1)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody).Code)

	w := s.do(t, http.MethodPost, "/v1/messages", "tenant-a", strings.Replace(templateBody, "appt-42", "appt-43", 1))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "43200", w.Header().Get("Retry-After"))
	body := decodeError(t, w)
	assert.Equal(t, quota.ReasonQuotaExceeded, body.Error)
	assert.Equal(t, int64(43200), body.RetryAfterSeconds)
}

func TestInboundOpensWindow(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPost, "/v1/inbound", "tenant-a", `{"channel":"WHATSAPP","recipient":"15551230000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status session.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Open)
	assert.Equal(t, "+15551230000", status.Recipient)

	w = s.do(t, http.MethodPost, "/v1/messages", "tenant-a", `{"channel":"WHATSAPP","recipient":"+15551230000","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestMessageLifecycleRoutes(t *testing.T) {
	s := newServer(t, 100)
	id := decodeMessage(t, s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody)).ID

	w := s.do(t, http.MethodGet, "/v1/messages/"+id, "tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decodeMessage(t, w).ID)

	w = s.do(t, http.MethodGet, "/v1/messages/"+id, "tenant-b", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/"+id+"/cancel", nil)
	req.Header.Set(TenantHeader, "tenant-a")
	req.Header.Set(ActorHeader, "ops@example.com")
	cancelled := httptest.NewRecorder()
	s.router.ServeHTTP(cancelled, req)
	require.Equal(t, http.StatusOK, cancelled.Code, cancelled.Body.String())
	assert.Equal(t, store.StatusCancelled, decodeMessage(t, cancelled).Status)

	w = s.do(t, http.MethodPost, "/v1/messages/"+id+"/cancel", "tenant-a", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/messages/"+id+"/requeue", "tenant-a", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/v1/messages/"+id+"/attempts", "tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	var attempts []store.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeCancelled, attempts[0].Outcome)
	assert.Equal(t, "ops@example.com", attempts[0].Actor)
}

func TestRequeueDeadLetter(t *testing.T) {
	s := newServer(t, 100)
	msg := store.NewOutboundMessage("tenant-a", store.ChannelSMS, "+15551230000", 3, now.Add(-time.Hour))
	msg.Status = store.StatusDeadLetter
	msg.AttemptCount = 3
	msg.ErrorCode = "TIMEOUT"
	s.repo.Put(msg)

	w := s.do(t, http.MethodPost, "/v1/messages/"+msg.ID+"/requeue", "tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeMessage(t, w)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount)
}

func sentMessage(s *server, providerID string) *store.OutboundMessage {
	msg := store.NewOutboundMessage("tenant-a", store.ChannelWhatsApp, "+15551230000", 5, now.Add(-time.Minute))
	msg.Status = store.StatusSent
	msg.AttemptCount = 1
	msg.ProviderMessageID = providerID
	sent := now.Add(-30 * time.Second)
	msg.SentAt = &sent
	s.repo.Put(msg)
	return msg
}

func TestWebhook_NeutralPayload(t *testing.T) {
	s := newServer(t, 100)
	msg := sentMessage(s, "wamid.1")

	body := `[
		{"provider_message_id":"wamid.1","status":"DELIVERED"},
		{"provider_message_id":"wamid.1","status":"DELIVERED"},
		{"provider_message_id":"wamid.unknown","status":"READ"}
	]`
	w := s.do(t, http.MethodPost, "/v1/webhooks/whatsapp", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Received)
	assert.Equal(t, map[reconciler.Outcome]int{
		reconciler.OutcomeApplied:        1,
		reconciler.OutcomeDuplicate:      1,
		reconciler.OutcomeUnknownMessage: 1,
	}, resp.Outcomes)

	got, err := s.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, got.Status)
}

func TestWebhook_TwilioForm(t *testing.T) {
	s := newServer(t, 100)
	msg := sentMessage(s, "SM123")

	form := url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30006"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := s.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeadLetter, got.Status)
	assert.Equal(t, "30006", got.ErrorCode)
}

func TestWebhook_Malformed(t *testing.T) {
	s := newServer(t, 100)
	w := s.do(t, http.MethodPost, "/v1/webhooks/whatsapp", "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_Verification(t *testing.T) {
	s := newServer(t, 100)

	ok := s.do(t, http.MethodGet, "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=1158201444", "", "")
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "1158201444", ok.Body.String())

	denied := s.do(t, http.MethodGet, "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", "", "")
	assert.Equal(t, http.StatusForbidden, denied.Code)
}

func TestObservabilityMetrics(t *testing.T) {
	s := newServer(t, 100)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody).Code)

	w := s.do(t, http.MethodGet, "/v1/observability/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap observability.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.QueueDepth)
	assert.True(t, snap.To.Equal(now))
	assert.True(t, snap.From.Equal(now.Add(-observability.DefaultWindow)))

	bad := s.do(t, http.MethodGet, "/v1/observability/metrics?from=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	inverted := s.do(t, http.MethodGet, "/v1/observability/metrics?from=2024-03-10T12:00:00Z&to=2024-03-10T11:00:00Z", "", "")
	assert.Equal(t, http.StatusBadRequest, inverted.Code)
}

func TestQuotaRoutes(t *testing.T) {
	s := newServer(t, 100)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/messages", "tenant-a", templateBody).Code)

	w := s.do(t, http.MethodGet, "/v1/quota/usage", "tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage store.QuotaUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, int64(1), usage.Used)
	assert.Equal(t, int64(100), usage.Limit)

	w = s.do(t, http.MethodGet, "/v1/quota/cost", "tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var projection quota.CostProjection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projection))
	assert.Equal(t, "tenant-a", projection.TenantID)
	assert.Equal(t, "USD", projection.Currency)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `outbound_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}
