package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Tier is the usage ceiling a tenant is entitled to.
type Tier struct {
	Level  int
	Limit  int64
	Period store.Period
}

// TierResolver looks up the quota tier of a tenant.
type TierResolver interface {
	TierFor(ctx context.Context, tenantID string) (Tier, error)
}

// StaticTiers resolves tiers from configuration.
type StaticTiers struct {
	tiers        map[int]Tier
	tenants      map[string]int
	defaultLevel int
}

func NewStaticTiers(cfg config.QuotaSettings) (*StaticTiers, error) {
	s := &StaticTiers{
		tiers:        make(map[int]Tier, len(cfg.Tiers)),
		tenants:      make(map[string]int, len(cfg.TenantTiers)),
		defaultLevel: cfg.DefaultTier,
	}
	for _, t := range cfg.Tiers {
		limit := t.Limit
		if limit < 0 {
			limit = store.Unlimited
		}
		s.tiers[t.Level] = Tier{Level: t.Level, Limit: limit, Period: store.Period(strings.ToUpper(t.Period))}
	}
	if _, ok := s.tiers[s.defaultLevel]; !ok {
		return nil, fmt.Errorf("default tier %d is not defined", s.defaultLevel)
	}
	for tenant, level := range cfg.TenantTiers {
		if _, ok := s.tiers[level]; !ok {
			return nil, fmt.Errorf("tenant %s references undefined tier %d", tenant, level)
		}
		// viper lower-cases map keys.
		s.tenants[strings.ToLower(tenant)] = level
	}
	return s, nil
}

func (s *StaticTiers) TierFor(_ context.Context, tenantID string) (Tier, error) {
	level, ok := s.tenants[strings.ToLower(tenantID)]
	if !ok {
		level = s.defaultLevel
	}
	return s.tiers[level], nil
}
