// Package storetest provides in-memory repositories with the same
// conditional-update semantics as the SQL stores, for use in tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// MessageStore is an in-memory store.MessageRepository and store.MetricsReader.
type MessageStore struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*store.OutboundMessage
	keys     map[string]string
	attempts map[string][]store.Attempt

	// Creates counts rows actually inserted.
	Creates int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: map[string]*store.OutboundMessage{},
		keys:     map[string]string{},
		attempts: map[string][]store.Attempt{},
	}
}

func idemKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func clone(m *store.OutboundMessage) *store.OutboundMessage {
	c := *m
	c.Payload = make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		c.Payload[k] = v
	}
	return &c
}

func (s *MessageStore) Create(_ context.Context, msg *store.OutboundMessage) (*store.OutboundMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if id, ok := s.keys[idemKey(msg.TenantID, msg.IdempotencyKey)]; ok {
			return clone(s.messages[id]), false, nil
		}
		s.keys[idemKey(msg.TenantID, msg.IdempotencyKey)] = msg.ID
	}
	s.messages[msg.ID] = clone(msg)
	s.order = append(s.order, msg.ID)
	s.Creates++
	return clone(msg), true, nil
}

// Put stores msg as-is, bypassing idempotency checks.
func (s *MessageStore) Put(msg *store.OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		s.order = append(s.order, msg.ID)
	}
	s.messages[msg.ID] = clone(msg)
	if msg.IdempotencyKey != "" {
		s.keys[idemKey(msg.TenantID, msg.IdempotencyKey)] = msg.ID
	}
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStore) Get(_ context.Context, id string) (*store.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (s *MessageStore) FindByIdempotencyKey(_ context.Context, tenantID, key string) (*store.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[idemKey(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(s.messages[id]), nil
}

func (s *MessageStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*store.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if m := s.messages[id]; m.ProviderMessageID == providerMessageID {
			return clone(m), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MessageStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]store.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []store.OutboundMessage
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		m := s.messages[id]
		if m.Status != store.StatusQueued || (m.NextRetryAt != nil && m.NextRetryAt.After(now)) {
			continue
		}
		m.Status = store.StatusSending
		m.UpdatedAt = now
		claimed = append(claimed, *clone(m))
	}
	return claimed, nil
}

func (s *MessageStore) Transition(_ context.Context, t store.Transition) error {
	if !t.From.CanTransitionTo(t.To) && !(t.From == store.StatusDeadLetter && t.To == store.StatusQueued) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, t.From, t.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[t.MessageID]
	if !ok || m.Status != t.From {
		return fmt.Errorf("%w: message %s is no longer %s", store.ErrConflict, t.MessageID, t.From)
	}
	m.Status = t.To
	m.AttemptCount = t.AttemptCount
	m.NextRetryAt = t.NextRetryAt
	if t.ProviderMessageID != "" {
		m.ProviderMessageID = t.ProviderMessageID
	}
	m.ErrorCode, m.ErrorMessage = t.ErrorCode, t.ErrorMessage
	if t.To == store.StatusSent {
		at := t.At
		m.SentAt = &at
	}
	m.UpdatedAt = t.At
	if t.Attempt != nil {
		a := *t.Attempt
		a.MessageID = t.MessageID
		s.attempts[t.MessageID] = append(s.attempts[t.MessageID], a)
	}
	return nil
}

func (s *MessageStore) AdvanceStatus(_ context.Context, a store.Advance) (bool, error) {
	from := store.Predecessors(a.To)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing precedes %s", store.ErrInvalidTransition, a.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[a.MessageID]
	if !ok {
		return false, nil
	}
	if a.Attempt != nil {
		m.AttemptCount++
		attempt := *a.Attempt
		attempt.MessageID = a.MessageID
		attempt.Number = m.AttemptCount
		s.attempts[a.MessageID] = append(s.attempts[a.MessageID], attempt)
	}
	if !contains(from, m.Status) {
		return false, nil
	}
	m.Status = a.To
	m.NextRetryAt = nil
	if a.ProviderMessageID != "" {
		m.ProviderMessageID = a.ProviderMessageID
	}
	if a.ErrorCode != "" {
		m.ErrorCode = a.ErrorCode
	}
	if a.ErrorMessage != "" {
		m.ErrorMessage = a.ErrorMessage
	}
	at := a.At
	if a.To.IsSuccess() && m.SentAt == nil {
		m.SentAt = &at
	}
	if (a.To == store.StatusDelivered || a.To == store.StatusRead) && m.DeliveredAt == nil {
		m.DeliveredAt = &at
	}
	if a.To == store.StatusRead {
		m.ReadAt = &at
	}
	m.UpdatedAt = at
	return true, nil
}

func (s *MessageStore) RecoverStale(_ context.Context, olderThan, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == store.StatusSending && m.UpdatedAt.Before(olderThan) {
			m.Status = store.StatusQueued
			m.NextRetryAt = nil
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MessageStore) Attempts(_ context.Context, messageID string) ([]store.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Attempt(nil), s.attempts[messageID]...), nil
}

func (s *MessageStore) matching(f store.CountFilter) []*store.OutboundMessage {
	var out []*store.OutboundMessage
	for _, id := range s.order {
		m := s.messages[id]
		if !contains(f.Statuses, m.Status) {
			continue
		}
		if !f.Since.IsZero() && m.UpdatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !m.UpdatedAt.Before(f.Until) {
			continue
		}
		if f.TenantID != "" && m.TenantID != f.TenantID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *MessageStore) CountByChannel(_ context.Context, f store.CountFilter) (map[store.Channel]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[store.Channel]int64{}
	for _, m := range s.matching(f) {
		counts[m.Channel]++
	}
	return counts, nil
}

func (s *MessageStore) CountByErrorCode(_ context.Context, f store.CountFilter) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int64{}
	for _, m := range s.matching(f) {
		code := m.ErrorCode
		if code == "" {
			code = "UNKNOWN"
		}
		counts[code]++
	}
	return counts, nil
}

func (s *MessageStore) LatencySamples(_ context.Context, since, until time.Time) ([]store.LatencySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var samples []store.LatencySample
	for _, id := range s.order {
		m := s.messages[id]
		if m.SentAt == nil || m.CreatedAt.Before(since) || !m.CreatedAt.Before(until) {
			continue
		}
		end := *m.SentAt
		if m.DeliveredAt != nil {
			end = *m.DeliveredAt
		}
		samples = append(samples, store.LatencySample{Channel: m.Channel, Seconds: end.Sub(m.CreatedAt).Seconds()})
	}
	return samples, nil
}

func (s *MessageStore) FailureTrend(_ context.Context, since, until time.Time) ([]store.TrendPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay := map[time.Time]*store.TrendPoint{}
	for _, m := range s.messages {
		if !m.Status.IsSuccess() && m.Status != store.StatusDeadLetter {
			continue
		}
		if m.UpdatedAt.Before(since) || !m.UpdatedAt.Before(until) {
			continue
		}
		u := m.UpdatedAt.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		tp, ok := byDay[day]
		if !ok {
			tp = &store.TrendPoint{Day: day}
			byDay[day] = tp
		}
		tp.Total++
		if m.Status == store.StatusDeadLetter {
			tp.Failures++
		}
	}
	trend := make([]store.TrendPoint, 0, len(byDay))
	for _, tp := range byDay {
		trend = append(trend, *tp)
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Day.Before(trend[j].Day) })
	return trend, nil
}

func (s *MessageStore) RecentDeadLetters(_ context.Context, limit int) ([]store.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboundMessage
	for _, m := range s.messages {
		if m.Status == store.StatusDeadLetter {
			out = append(out, *clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MessageStore) CountSentByCategory(_ context.Context, tenantID string, since time.Time) ([]store.CategoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct {
		channel  store.Channel
		category string
	}
	counts := map[key]int64{}
	var keys []key
	for _, id := range s.order {
		m := s.messages[id]
		if m.TenantID != tenantID || m.SentAt == nil || m.SentAt.Before(since) {
			continue
		}
		k := key{m.Channel, m.Category}
		if _, ok := counts[k]; !ok {
			keys = append(keys, k)
		}
		counts[k]++
	}
	out := make([]store.CategoryCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.CategoryCount{Channel: k.channel, Category: k.category, Count: counts[k]})
	}
	return out, nil
}

func contains(statuses []store.Status, s store.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
