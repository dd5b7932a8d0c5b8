// Package api exposes the delivery engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/observability"
	"github.com/zoff-tech/go-outbound/pkg/outbound"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/reconciler"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

const defaultActor = "api"

type MessageService interface {
	Enqueue(ctx context.Context, req outbound.EnqueueRequest) (*outbound.Result, error)
	Get(ctx context.Context, tenantID, id string) (*store.OutboundMessage, error)
	Attempts(ctx context.Context, tenantID, id string) ([]store.Attempt, error)
	Cancel(ctx context.Context, tenantID, id, actor string) (*store.OutboundMessage, error)
	Requeue(ctx context.Context, tenantID, id, actor string) (*store.OutboundMessage, error)
	RecordInbound(ctx context.Context, tenantID, channel, recipient string, at time.Time) (*session.Status, error)
}

type CallbackApplier interface {
	Apply(ctx context.Context, cb reconciler.Callback) (reconciler.Outcome, error)
}

type SnapshotProvider interface {
	Snapshot(ctx context.Context, from, to time.Time) (*observability.Snapshot, error)
}

type QuotaReader interface {
	Usage(ctx context.Context, tenantID string, now time.Time) (store.QuotaUsage, error)
	ProjectCost(ctx context.Context, tenantID string, now time.Time) (*quota.CostProjection, error)
}

type Handler struct {
	messages     MessageService
	callbacks    CallbackApplier
	snapshots    SnapshotProvider
	quotas       QuotaReader
	logger       *zap.Logger
	now          func() time.Time
	maxBody      int64
	verifyToken  string
	defaultRange time.Duration
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithWebhookVerifyToken enables the WhatsApp subscription handshake.
func WithWebhookVerifyToken(token string) Option {
	return func(h *Handler) { h.verifyToken = token }
}

func NewHandler(messages MessageService, callbacks CallbackApplier, snapshots SnapshotProvider, quotas QuotaReader, opts ...Option) *Handler {
	h := &Handler{
		messages:     messages,
		callbacks:    callbacks,
		snapshots:    snapshots,
		quotas:       quotas,
		logger:       zap.NewNop(),
		now:          time.Now,
		maxBody:      1 << 20,
		defaultRange: observability.DefaultWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req outbound.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TenantID = tenantFrom(r.Context())
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.messages.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Message)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) attempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.messages.Attempts(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []store.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Cancel(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Requeue(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func actorOf(r *http.Request) string {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return actor
	}
	return defaultActor
}

type inboundRequest struct {
	Channel    string    `json:"channel"`
	Recipient  string    `json:"recipient"`
	ReceivedAt time.Time `json:"received_at"`
}

func (h *Handler) inbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := h.messages.RecordInbound(r.Context(), tenantFrom(r.Context()), req.Channel, req.Recipient, req.ReceivedAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type webhookResponse struct {
	Received int                        `json:"received"`
	Outcomes map[reconciler.Outcome]int `json:"outcomes"`
}

// webhook applies provider callbacks. Anything parseable is acknowledged with
// 200 so providers do not redeliver callbacks that will never apply.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	callbacks, err := reconciler.ParseWebhook(provider, r.Header.Get("Content-Type"), body)
	if err != nil {
		if errors.Is(err, reconciler.ErrMalformedPayload) {
			badRequest(w, err.Error())
			return
		}
		h.writeError(w, r, err)
		return
	}

	log := logging.WithTrace(r.Context(), h.logger).With(zap.String("provider", provider))
	resp := webhookResponse{Received: len(callbacks), Outcomes: map[reconciler.Outcome]int{}}
	for _, cb := range callbacks {
		outcome, err := h.callbacks.Apply(r.Context(), cb)
		if err != nil {
			log.Error("failed to apply callback",
				zap.String("provider_message_id", cb.ProviderMessageID),
				zap.String("status", cb.Status),
				zap.Error(err))
			h.writeError(w, r, err)
			return
		}
		resp.Outcomes[outcome]++
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyWebhook answers the WhatsApp Cloud API subscription challenge.
func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	to := h.now()
	from := to.Add(-h.defaultRange)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(w, "from must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(w, "to must be RFC3339")
			return
		}
	}
	if !from.Before(to) {
		badRequest(w, "from must be before to")
		return
	}

	snap, err := h.snapshots.Snapshot(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) quotaUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.quotas.Usage(r.Context(), tenantFrom(r.Context()), h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) quotaCost(w http.ResponseWriter, r *http.Request) {
	projection, err := h.quotas.ProjectCost(r.Context(), tenantFrom(r.Context()), h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projection)
}
