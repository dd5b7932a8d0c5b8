package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// SessionStore is an in-memory store.SessionRepository.
type SessionStore struct {
	mu      sync.Mutex
	windows map[string]*store.SessionWindow
}

func NewSessionStore() *SessionStore {
	return &SessionStore{windows: map[string]*store.SessionWindow{}}
}

func windowKey(tenantID string, channel store.Channel, recipient string) string {
	return tenantID + "\x00" + string(channel) + "\x00" + recipient
}

func (s *SessionStore) Get(_ context.Context, tenantID string, channel store.Channel, recipient string) (*store.SessionWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[windowKey(tenantID, channel, recipient)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (s *SessionStore) RecordInbound(_ context.Context, tenantID string, channel store.Channel, recipient string, at time.Time, window time.Duration) (*store.SessionWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := windowKey(tenantID, channel, recipient)
	w, ok := s.windows[k]
	if !ok {
		w = &store.SessionWindow{TenantID: tenantID, Channel: channel, Recipient: recipient, WindowOpensAt: at}
		s.windows[k] = w
	} else if !w.IsOpen(at) {
		w.WindowOpensAt = at
	}
	if at.After(w.LastInboundAt) {
		w.LastInboundAt = at
		w.WindowExpiresAt = at.Add(window)
	}
	c := *w
	return &c, nil
}

func (s *SessionStore) RecordOutbound(_ context.Context, tenantID string, channel store.Channel, recipient string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[windowKey(tenantID, channel, recipient)]; ok {
		w.LastOutboundAt = &at
	}
	return nil
}

// QuotaStore is an in-memory store.QuotaRepository.
type QuotaStore struct {
	mu      sync.Mutex
	buckets map[string]*store.QuotaUsage
}

func NewQuotaStore() *QuotaStore {
	return &QuotaStore{buckets: map[string]*store.QuotaUsage{}}
}

func bucketKey(tenantID string, period store.Period, start time.Time) string {
	return tenantID + "\x00" + string(period) + "\x00" + start.UTC().Format(time.RFC3339)
}

func (q *QuotaStore) Consume(_ context.Context, bucket store.QuotaUsage, n int64, _ time.Time) (store.QuotaUsage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := bucketKey(bucket.TenantID, bucket.Period, bucket.BucketStart)
	b, ok := q.buckets[k]
	if !ok {
		c := bucket
		c.Used = 0
		b = &c
	}
	if b.Limit >= 0 && b.Used+n > b.Limit {
		return *b, false, nil
	}
	b.Used += n
	q.buckets[k] = b
	return *b, true, nil
}

func (q *QuotaStore) Current(_ context.Context, tenantID string, period store.Period, bucketStart time.Time) (*store.QuotaUsage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[bucketKey(tenantID, period, bucketStart)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (q *QuotaStore) ListBuckets(_ context.Context, period store.Period, bucketStart time.Time) ([]store.QuotaUsage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.QuotaUsage
	for _, b := range q.buckets {
		if b.Period == period && b.BucketStart.Equal(bucketStart) {
			out = append(out, *b)
		}
	}
	return out, nil
}
