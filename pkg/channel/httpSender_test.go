package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

func testRequest() SendRequest {
	return SendRequest{
		MessageID:    "msg-1",
		TenantID:     "tenant-1",
		Channel:      store.ChannelWhatsApp,
		Recipient:    "+15551230000",
		TemplateCode: "appt_reminder",
		Payload:      map[string]any{"name": "Ada"},
	}
}

func TestHTTPSender_Accepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "msg-1", r.Header.Get("Idempotency-Key"))

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+15551230000", req.Recipient)
		assert.Equal(t, "appt_reminder", req.TemplateCode)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.123"}]}`))
	}))
	defer server.Close()

	res, err := NewHTTPSender(server.Client(), server.URL, "secret").Send(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", res.ProviderMessageID)
}

func TestHTTPSender_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, `upstream down`, "HTTP_502", true},
		{"rate limited", http.StatusTooManyRequests, `{}`, CodeRateLimited, true},
		{"invalid recipient", http.StatusUnprocessableEntity, `{"code":"INVALID_RECIPIENT"}`, "INVALID_RECIPIENT", false},
		{"accepted without id", http.StatusOK, `{}`, CodeInvalidResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPSender(server.Client(), server.URL, "").Send(context.Background(), testRequest())
			se := Classify(err)
			require.NotNil(t, se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.retryable, se.Retryable)
		})
	}
}

func TestHTTPSender_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPSender(server.Client(), server.URL, "").Send(ctx, testRequest())
	se := Classify(err)
	require.NotNil(t, se)
	assert.Equal(t, CodeTimeout, se.Code)
	assert.True(t, se.Retryable)
}

func TestHTTPSender_InvalidPayload(t *testing.T) {
	req := testRequest()
	req.Payload = map[string]any{"bad": make(chan int)}

	_, err := NewHTTPSender(nil, "http://127.0.0.1:0", "").Send(context.Background(), req)
	se := Classify(err)
	assert.Equal(t, CodeInvalidPayload, se.Code)
	assert.False(t, se.Retryable)
}
