package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

func TestSubscriptionTransitions(t *testing.T) {
	tests := []struct {
		from   SubscriptionStatus
		to     SubscriptionStatus
		effect EntitlementEffect
		ok     bool
	}{
		{SubscriptionIncomplete, SubscriptionActive, EffectGrant, true},
		{SubscriptionActive, SubscriptionPastDue, EffectNone, true},
		{SubscriptionPastDue, SubscriptionActive, EffectGrant, true},
		{SubscriptionActive, SubscriptionCanceled, EffectRevoke, true},
		{SubscriptionActive, SubscriptionExpired, EffectRevoke, true},
		{SubscriptionCanceled, SubscriptionActive, EffectGrant, true},
		{SubscriptionExpired, SubscriptionActive, EffectGrant, true},
		{SubscriptionActive, SubscriptionIncomplete, EffectNone, true},
		{SubscriptionActive, SubscriptionActive, EffectNone, true},
		{SubscriptionCanceled, SubscriptionPastDue, EffectNone, false},
		{SubscriptionExpired, SubscriptionCanceled, EffectNone, false},
		{SubscriptionIncomplete, SubscriptionPastDue, EffectNone, false},
	}
	for _, tt := range tests {
		sub := &Subscription{Status: tt.from}
		effect, err := sub.TransitionTo(tt.to)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, sub.Status)
			continue
		}
		require.NoError(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.to, sub.Status)
		assert.Equal(t, tt.effect, effect, "%s -> %s", tt.from, tt.to)
	}
}

func TestSubscriptionActivateSetsLevelAndPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	sub := &Subscription{Status: SubscriptionIncomplete, Level: entitlements.LevelPremium}

	effect, err := sub.Activate(entitlements.LevelBusiness, &start, &end)
	require.NoError(t, err)
	assert.Equal(t, EffectGrant, effect)
	assert.Equal(t, entitlements.LevelBusiness, sub.Level)
	assert.Equal(t, entitlements.CycleYearly, sub.Cycle())
	assert.True(t, sub.IsActive(start.Add(time.Hour)))
	assert.False(t, sub.IsActive(end.Add(time.Hour)))
}

func TestSubscriptionCancelStopsAutoRenew(t *testing.T) {
	sub := &Subscription{Status: SubscriptionActive, IsAutoRenew: true}
	effect, err := sub.Cancel()
	require.NoError(t, err)
	assert.Equal(t, EffectRevoke, effect)
	assert.False(t, sub.IsAutoRenew)
}

func TestSubscriptionCycleDefaultsToMonthly(t *testing.T) {
	assert.Equal(t, entitlements.CycleMonthly, (&Subscription{}).Cycle())
}

func TestParseSubscriptionStatus(t *testing.T) {
	st, err := ParseSubscriptionStatus("past_due")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionPastDue, st)

	_, err = ParseSubscriptionStatus("trialing")
	assert.Error(t, err)
}
