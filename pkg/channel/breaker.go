package channel

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/logging"
)

// BreakerSettings configures the circuit breaker of one channel.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenFor             time.Duration
	HalfOpenRequests    uint32
}

// BreakerSender stops calling a provider after repeated retryable failures.
// Permanent and rate-limit errors say nothing about provider health and do not trip it.
type BreakerSender struct {
	next    Sender
	cb      *gobreaker.CircuitBreaker
	openFor time.Duration
}

func NewBreakerSender(next Sender, s BreakerSettings, logger *zap.Logger) *BreakerSender {
	logger = logging.OrNop(logger)
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        "channel-" + s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *SendError
			if errors.As(err, &se) {
				return !se.Retryable || se.RateLimited
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker(settings), openFor: s.OpenFor}
}

func (b *BreakerSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return SendResult{}, &SendError{Code: CodeCircuitOpen, Message: err.Error(), Retryable: true, RetryAfter: b.openFor}
	}
	if err != nil {
		return SendResult{}, err
	}
	return res.(SendResult), nil
}

// State reports the breaker state for diagnostics.
func (b *BreakerSender) State() gobreaker.State {
	return b.cb.State()
}
