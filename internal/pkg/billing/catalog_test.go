package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

func TestCatalogPriceRef(t *testing.T) {
	c := CatalogFromConfig(config.StripeConfig{
		PricePremiumMonthly: "price_pm",
		PricePremiumYearly:  "price_py",
		PriceBusinessYearly: "price_by",
	})

	ref, ok := c.PriceRef(entitlements.LevelPremium, entitlements.CycleMonthly)
	assert.True(t, ok)
	assert.Equal(t, "price_pm", ref)

	_, ok = c.PriceRef(entitlements.LevelBusiness, entitlements.CycleMonthly)
	assert.False(t, ok, "unset env must not resolve")

	_, ok = c.PriceRef(entitlements.LevelFree, entitlements.CycleMonthly)
	assert.False(t, ok)

	k, ok := c.Resolve("price_by")
	assert.True(t, ok)
	assert.Equal(t, PlanKey{entitlements.LevelBusiness, entitlements.CycleYearly}, k)

	_, ok = c.Resolve("price_unknown")
	assert.False(t, ok)
}

func TestCatalogPlansOrdered(t *testing.T) {
	c := NewCatalog(map[PlanKey]string{
		{entitlements.LevelAdvanced, entitlements.CycleMonthly}: "a_m",
		{entitlements.LevelPremium, entitlements.CycleYearly}:   "p_y",
		{entitlements.LevelPremium, entitlements.CycleMonthly}:  "p_m",
		{entitlements.LevelFree, entitlements.CycleMonthly}:     "free",
	})
	assert.Equal(t, []PlanKey{
		{entitlements.LevelPremium, entitlements.CycleMonthly},
		{entitlements.LevelPremium, entitlements.CycleYearly},
		{entitlements.LevelAdvanced, entitlements.CycleMonthly},
	}, c.Plans())
	assert.Equal(t, 100, c.MonthlyQuota(entitlements.LevelAdvanced))
}
