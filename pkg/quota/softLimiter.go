package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// SoftLimiter smooths dispatch per (tenant, channel) so a burst of queued
// messages does not trip provider-side rate limits. It is process local.
type SoftLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewSoftLimiter returns nil when perSecond is not positive, which disables limiting.
func NewSoftLimiter(perSecond float64, burst int) *SoftLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &SoftLimiter{limiters: map[string]*rate.Limiter{}, r: rate.Limit(perSecond), burst: burst}
}

func (s *SoftLimiter) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.r, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// Allow consumes a token at now. When none is available it returns the wait
// until the next one and consumes nothing.
func (s *SoftLimiter) Allow(tenantID string, channel store.Channel, now time.Time) (bool, time.Duration) {
	if s == nil {
		return true, 0
	}
	limiter := s.getLimiter(tenantID + ":" + string(channel))
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}
