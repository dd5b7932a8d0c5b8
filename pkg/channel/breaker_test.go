package channel

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

func TestBreakerSender_OpensOnRetryableFailures(t *testing.T) {
	calls := 0
	failing := SenderFunc(func(ctx context.Context, req SendRequest) (SendResult, error) {
		calls++
		return SendResult{}, Retryable("HTTP_503", "down")
	})
	b := NewBreakerSender(failing, BreakerSettings{Name: "sms", ConsecutiveFailures: 2, OpenFor: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := b.Send(context.Background(), testRequest())
		assert.Equal(t, "HTTP_503", Classify(err).Code)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Send(context.Background(), testRequest())
	se := Classify(err)
	assert.Equal(t, CodeCircuitOpen, se.Code)
	assert.True(t, se.Retryable)
	assert.Equal(t, time.Minute, se.RetryAfter)
	assert.Equal(t, 2, calls)
}

func TestBreakerSender_PermanentErrorsDoNotTrip(t *testing.T) {
	rejecting := SenderFunc(func(ctx context.Context, req SendRequest) (SendResult, error) {
		return SendResult{}, Permanent("INVALID_RECIPIENT", "bad number")
	})
	b := NewBreakerSender(rejecting, BreakerSettings{Name: "whatsapp", ConsecutiveFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := b.Send(context.Background(), testRequest())
		assert.Equal(t, "INVALID_RECIPIENT", Classify(err).Code)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerSender_PassesResult(t *testing.T) {
	ok := SenderFunc(func(ctx context.Context, req SendRequest) (SendResult, error) {
		return SendResult{ProviderMessageID: "p-1"}, nil
	})
	res, err := NewBreakerSender(ok, BreakerSettings{Name: "email"}, nil).Send(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.ProviderMessageID)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(store.ChannelSMS)
	assert.False(t, ok)

	r.Register(store.ChannelSMS, SenderFunc(func(ctx context.Context, req SendRequest) (SendResult, error) {
		return SendResult{}, nil
	}))
	_, ok = r.Lookup(store.ChannelSMS)
	assert.True(t, ok)
}
