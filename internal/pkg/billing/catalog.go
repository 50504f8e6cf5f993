package billing

import (
	"sort"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

// PlanKey identifies a sellable plan.
type PlanKey struct {
	Level entitlements.Level `json:"plan"`
	Cycle entitlements.Cycle `json:"cycle"`
}

// Catalog maps plans to provider price ids and back.
type Catalog struct {
	prices  map[PlanKey]string
	byPrice map[string]PlanKey
}

// NewCatalog builds a catalog. Empty price ids and unpaid levels are skipped.
func NewCatalog(prices map[PlanKey]string) *Catalog {
	c := &Catalog{
		prices:  make(map[PlanKey]string, len(prices)),
		byPrice: make(map[string]PlanKey, len(prices)),
	}
	for k, ref := range prices {
		if ref == "" || !k.Level.IsPaid() {
			continue
		}
		c.prices[k] = ref
		c.byPrice[ref] = k
	}
	return c
}

// CatalogFromConfig reads the price ids from the Stripe settings.
func CatalogFromConfig(cfg config.StripeConfig) *Catalog {
	return NewCatalog(map[PlanKey]string{
		{entitlements.LevelPremium, entitlements.CycleMonthly}:  cfg.PricePremiumMonthly,
		{entitlements.LevelPremium, entitlements.CycleYearly}:   cfg.PricePremiumYearly,
		{entitlements.LevelBusiness, entitlements.CycleMonthly}: cfg.PriceBusinessMonthly,
		{entitlements.LevelBusiness, entitlements.CycleYearly}:  cfg.PriceBusinessYearly,
		{entitlements.LevelAdvanced, entitlements.CycleMonthly}: cfg.PriceAdvancedMonthly,
		{entitlements.LevelAdvanced, entitlements.CycleYearly}:  cfg.PriceAdvancedYearly,
	})
}

// PriceRef returns the price id for a plan, or false for unknown combinations.
func (c *Catalog) PriceRef(level entitlements.Level, cycle entitlements.Cycle) (string, bool) {
	ref, ok := c.prices[PlanKey{Level: level, Cycle: cycle}]
	return ref, ok
}

// Resolve maps a price id back to its plan.
func (c *Catalog) Resolve(priceRef string) (PlanKey, bool) {
	k, ok := c.byPrice[priceRef]
	return k, ok
}

// MonthlyQuota is the link allowance that comes with a level.
func (c *Catalog) MonthlyQuota(level entitlements.Level) int {
	return entitlements.MonthlyQuota(level)
}

// Plans lists the configured plans ordered by tier, monthly first.
func (c *Catalog) Plans() []PlanKey {
	out := make([]PlanKey, 0, len(c.prices))
	for k := range c.prices {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := entitlements.Rank(out[i].Level), entitlements.Rank(out[j].Level)
		if ri != rj {
			return ri < rj
		}
		return out[i].Cycle == entitlements.CycleMonthly && out[j].Cycle != entitlements.CycleMonthly
	})
	return out
}
