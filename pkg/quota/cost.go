package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// CategoryCounter counts provider-accepted messages of a tenant since a point in time.
type CategoryCounter interface {
	CountSentByCategory(ctx context.Context, tenantID string, since time.Time) ([]store.CategoryCount, error)
}

// CostLine is the month-to-date cost of one (channel, category).
type CostLine struct {
	Channel  store.Channel   `json:"channel"`
	Category string          `json:"category"`
	Messages int64           `json:"messages"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Cost     decimal.Decimal `json:"cost"`
}

// CostProjection estimates what a tenant is billed this month.
type CostProjection struct {
	TenantID             string          `json:"tenant_id"`
	Currency             string          `json:"currency"`
	TotalCostToday       decimal.Decimal `json:"total_cost_today"`
	TotalCostThisMonth   decimal.Decimal `json:"total_cost_this_month"`
	ProjectedMonthlyCost decimal.Decimal `json:"projected_monthly_cost"`
	MessagesToday        int64           `json:"messages_today"`
	MessagesThisMonth    int64           `json:"messages_this_month"`
	Breakdown            []CostLine      `json:"breakdown"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

// CostProjector prices sent messages with configured per-category unit costs.
type CostProjector struct {
	counter  CategoryCounter
	costs    map[store.Channel]map[string]decimal.Decimal
	currency string
}

func NewCostProjector(counter CategoryCounter, cfg config.QuotaSettings) (*CostProjector, error) {
	p := &CostProjector{
		counter:  counter,
		costs:    map[store.Channel]map[string]decimal.Decimal{},
		currency: cfg.Currency,
	}
	for ch, categories := range cfg.UnitCosts {
		channel, err := store.ParseChannel(ch)
		if err != nil {
			return nil, fmt.Errorf("unit costs: %w", err)
		}
		p.costs[channel] = map[string]decimal.Decimal{}
		for category, cost := range categories {
			p.costs[channel][strings.ToUpper(category)] = decimal.NewFromFloat(cost)
		}
	}
	return p, nil
}

func (p *CostProjector) unitCost(channel store.Channel, category string) decimal.Decimal {
	return p.costs[channel][strings.ToUpper(category)]
}

func (p *CostProjector) price(counts []store.CategoryCount) (decimal.Decimal, int64, []CostLine) {
	total := decimal.Zero
	var (
		messages int64
		lines    []CostLine
	)
	for _, c := range counts {
		unit := p.unitCost(c.Channel, c.Category)
		cost := unit.Mul(decimal.NewFromInt(c.Count))
		total = total.Add(cost)
		messages += c.Count
		lines = append(lines, CostLine{Channel: c.Channel, Category: c.Category, Messages: c.Count, UnitCost: unit, Cost: cost})
	}
	return total, messages, lines
}

// Project returns today's and month-to-date cost, and the month total
// extrapolated linearly from the average daily cost so far.
func (p *CostProjector) Project(ctx context.Context, tenantID string, now time.Time) (*CostProjection, error) {
	dayStart, _ := store.PeriodDay.Bucket(now)
	monthStart, monthEnd := store.PeriodMonth.Bucket(now)

	today, err := p.counter.CountSentByCategory(ctx, tenantID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("count today: %w", err)
	}
	month, err := p.counter.CountSentByCategory(ctx, tenantID, monthStart)
	if err != nil {
		return nil, fmt.Errorf("count month: %w", err)
	}

	proj := &CostProjection{TenantID: tenantID, Currency: p.currency, GeneratedAt: now}
	proj.TotalCostToday, proj.MessagesToday, _ = p.price(today)
	proj.TotalCostThisMonth, proj.MessagesThisMonth, proj.Breakdown = p.price(month)
	sort.Slice(proj.Breakdown, func(i, j int) bool {
		if proj.Breakdown[i].Channel != proj.Breakdown[j].Channel {
			return proj.Breakdown[i].Channel < proj.Breakdown[j].Channel
		}
		return proj.Breakdown[i].Category < proj.Breakdown[j].Category
	})

	dayOfMonth := int64(now.UTC().Day())
	daysInMonth := int64(monthEnd.Sub(monthStart).Hours() / 24)
	proj.ProjectedMonthlyCost = proj.TotalCostThisMonth.
		Div(decimal.NewFromInt(dayOfMonth)).
		Mul(decimal.NewFromInt(daysInMonth)).
		Round(4)
	return proj, nil
}
