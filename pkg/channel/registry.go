package channel

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Registry resolves the sender of a channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[store.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: map[store.Channel]Sender{}}
}

// NewRegistryFromConfig builds one breaker-wrapped HTTP sender per configured channel.
func NewRegistryFromConfig(channels map[string]config.ChannelSettings, client *http.Client, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range channels {
		ch, err := store.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("channels: %w", err)
		}
		sender := NewHTTPSender(client, cfg.Endpoint, cfg.Token)
		r.Register(ch, NewBreakerSender(sender, BreakerSettings{
			Name:                string(ch),
			ConsecutiveFailures: cfg.BreakerFailures,
			OpenFor:             cfg.BreakerOpenFor,
			HalfOpenRequests:    cfg.BreakerHalfOpens,
		}, logger))
	}
	return r, nil
}

func (r *Registry) Register(ch store.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

func (r *Registry) Lookup(ch store.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}
