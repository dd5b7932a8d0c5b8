package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBody = 64 << 10

// HTTPSender posts send requests as JSON to a provider gateway.
type HTTPSender struct {
	client   *http.Client
	endpoint string
	token    string
	now      func() time.Time
}

func NewHTTPSender(client *http.Client, endpoint, token string) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{client: client, endpoint: endpoint, token: token, now: time.Now}
}

type sendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
	Messages          []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (s *HTTPSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, Permanent(CodeInvalidPayload, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, Permanent(CodeProviderFailed, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.MessageID)
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SendResult{}, Classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return SendResult{}, Classify(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SendResult{}, ClassifyHTTPStatus(resp.StatusCode, payload, resp.Header.Get("Retry-After"), s.now())
	}

	var parsed sendResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return SendResult{}, Permanent(CodeInvalidResponse, fmt.Sprintf("decode response: %v", err))
	}
	id := parsed.ProviderMessageID
	if id == "" && len(parsed.Messages) > 0 {
		id = parsed.Messages[0].ID
	}
	if id == "" {
		return SendResult{}, Permanent(CodeInvalidResponse, "provider accepted the message without an id")
	}
	return SendResult{ProviderMessageID: id}, nil
}
