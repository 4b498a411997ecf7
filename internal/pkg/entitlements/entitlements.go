package entitlements

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/env"
)

type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// Entitlement is the set of limits attached to a plan.
type Entitlement struct {
	Plan              Plan   `json:"plan_id"`
	DisplayName       string `json:"display_name"`
	QuotaLimit        int    `json:"quota_limit"`
	ResourceLimit     int    `json:"resource_limit"`
	PagesLimit        int    `json:"pages_limit"`
	PriceMonthlyCents int64  `json:"price_monthly_cents"`
	PriceYearlyCents  int64  `json:"price_yearly_cents"`
}

var defaultEntitlements = map[Plan]Entitlement{
	PlanFree:     {Plan: PlanFree, DisplayName: "Free", QuotaLimit: 1, ResourceLimit: 1, PagesLimit: 100},
	PlanStarter:  {Plan: PlanStarter, DisplayName: "Starter", QuotaLimit: 3, ResourceLimit: 2, PagesLimit: 200, PriceMonthlyCents: 1900, PriceYearlyCents: 17100},
	PlanStandard: {Plan: PlanStandard, DisplayName: "Standard", QuotaLimit: 10, ResourceLimit: 5, PagesLimit: 500, PriceMonthlyCents: 3900, PriceYearlyCents: 35100},
	PlanPro:      {Plan: PlanPro, DisplayName: "Pro", QuotaLimit: 25, ResourceLimit: 999, PagesLimit: 1000, PriceMonthlyCents: 7900, PriceYearlyCents: 71100},
}

// PriceCents is the list price of one billing period.
func (e Entitlement) PriceCents(interval string) int64 {
	if normalizeInterval(interval) == models.BillingIntervalYear {
		return e.PriceYearlyCents
	}
	return e.PriceMonthlyCents
}

// PricePerGenerationCents spreads the period price over the generations the
// period includes, rounded to the nearest cent. Yearly plans include twelve
// monthly quotas.
func (e Entitlement) PricePerGenerationCents(interval string) int64 {
	generations := int64(e.QuotaLimit)
	if normalizeInterval(interval) == models.BillingIntervalYear {
		generations *= 12
	}
	if generations <= 0 {
		return 0
	}
	return (e.PriceCents(interval) + generations/2) / generations
}

// PriceRef identifies the plan and interval a provider price stands for.
type PriceRef struct {
	Plan     Plan
	Interval string
}

// Catalog maps plans to limits and provider prices to plans. It is built once
// at startup and never mutated afterwards.
type Catalog struct {
	plans   map[Plan]Entitlement
	byPrice map[string]PriceRef
	prices  map[PriceRef]string
}

// NewCatalog builds a catalog over the default plan table and the given
// provider price IDs.
func NewCatalog(priceIDs map[string]PriceRef) *Catalog {
	c := &Catalog{
		plans:   make(map[Plan]Entitlement, len(defaultEntitlements)),
		byPrice: make(map[string]PriceRef, len(priceIDs)),
		prices:  make(map[PriceRef]string, len(priceIDs)),
	}
	for p, e := range defaultEntitlements {
		c.plans[p] = e
	}
	for id, ref := range priceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		ref.Plan = Normalize(string(ref.Plan))
		c.byPrice[id] = ref
		c.prices[ref] = id
	}
	return c
}

// LoadCatalogFromEnv reads STRIPE_PRICE_<PLAN>_<MONTHLY|YEARLY>.
func LoadCatalogFromEnv() *Catalog {
	ids := make(map[string]PriceRef)
	for _, p := range []Plan{PlanStarter, PlanStandard, PlanPro} {
		for suffix, interval := range map[string]string{"MONTHLY": models.BillingIntervalMonth, "YEARLY": models.BillingIntervalYear} {
			key := fmt.Sprintf("STRIPE_PRICE_%s_%s", strings.ToUpper(string(p)), suffix)
			if id := env.GetEnv(key, ""); id != "" {
				ids[id] = PriceRef{Plan: p, Interval: interval}
			}
		}
	}
	return NewCatalog(ids)
}

// Lookup returns the entitlement of a plan. Unknown plans resolve to free.
func (c *Catalog) Lookup(p Plan) Entitlement {
	if e, ok := c.plans[Normalize(string(p))]; ok {
		return e
	}
	return c.plans[PlanFree]
}

// PlanForPrice resolves a provider price ID.
func (c *Catalog) PlanForPrice(priceID string) (Plan, string, bool) {
	ref, ok := c.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return "", "", false
	}
	return ref.Plan, ref.Interval, true
}

// PriceFor returns the provider price ID configured for a plan and interval.
func (c *Catalog) PriceFor(p Plan, interval string) (string, bool) {
	id, ok := c.prices[PriceRef{Plan: Normalize(string(p)), Interval: normalizeInterval(interval)}]
	return id, ok
}

// Plans lists the catalog's plans from cheapest to most expensive.
func (c *Catalog) Plans() []Entitlement {
	out := make([]Entitlement, 0, len(c.plans))
	for _, p := range []Plan{PlanFree, PlanStarter, PlanStandard, PlanPro} {
		if e, ok := c.plans[p]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Normalize maps free-form input to a known plan, defaulting to free.
func Normalize(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanStarter:
		return PlanStarter
	case PlanStandard:
		return PlanStandard
	case PlanPro:
		return PlanPro
	default:
		return PlanFree
	}
}

// IsKnown reports whether plan names a catalog plan without falling back.
func IsKnown(plan string) bool {
	p := Plan(strings.ToLower(strings.TrimSpace(plan)))
	_, ok := defaultEntitlements[p]
	return ok
}

func Rank(p Plan) int {
	switch Normalize(string(p)) {
	case PlanPro:
		return 3
	case PlanStandard:
		return 2
	case PlanStarter:
		return 1
	default:
		return 0
	}
}

// IsUpgrade reports whether moving from one plan to another raises the tier.
func IsUpgrade(from, to Plan) bool {
	return Rank(to) > Rank(from)
}

// IsPaid reports whether the plan requires a provider subscription.
func IsPaid(p Plan) bool {
	return Normalize(string(p)) != PlanFree
}

func normalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "year", "yearly", "annual":
		return models.BillingIntervalYear
	default:
		return models.BillingIntervalMonth
	}
}

// NormalizeInterval maps monthly/yearly aliases to the stored interval values.
func NormalizeInterval(interval string) string {
	return normalizeInterval(interval)
}
