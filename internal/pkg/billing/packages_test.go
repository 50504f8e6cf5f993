package billing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

func TestPackagePricingQuote(t *testing.T) {
	p := PackagePricing{
		Permanent: decimal.RequireFromString("1.00"),
		Temporary: decimal.RequireFromString("2.00"),
	}
	tests := []struct {
		linkType string
		quantity int
		total    string
	}{
		{models.LinkTypePermanent, 10, "10.00"},
		{models.LinkTypePermanent, 99, "99.00"},
		{models.LinkTypePermanent, 100, "90.00"},
		{models.LinkTypeTemporary, 49, "98.00"},
		{models.LinkTypeTemporary, 50, "90.00"},
	}
	for _, tt := range tests {
		_, total, err := p.Quote(tt.linkType, tt.quantity)
		require.NoError(t, err)
		assert.Equal(t, tt.total, total.StringFixed(2), "%s x%d", tt.linkType, tt.quantity)
	}

	_, _, err := p.Quote(models.LinkTypePermanent, 0)
	assert.True(t, IsValidation(err))
	_, _, err = p.Quote("forever", 5)
	assert.True(t, IsValidation(err))
}

func TestBuyLinkPackage_RequiresPaidPlan(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "jane", entitlements.LevelFree)

	_, err := f.svc.BuyLinkPackage(context.Background(), u.ID, PackageRequest{LinkType: models.LinkTypePermanent, Quantity: 10, PaymentMethodID: "pm"})
	require.Error(t, err)
	assert.Equal(t, "Link packages require an active paid plan", UserMessage(err))
	assert.Zero(t, f.gw.called("CreatePaymentIntent"))
}

func TestBuyLinkPackage_CreditsOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "jane", entitlements.LevelFree)
	f.activeSubscription(t, u, entitlements.LevelPremium, "price_pm", testNow.Add(-days(3)), testNow.Add(days(27)))

	res, err := f.svc.BuyLinkPackage(ctx, u.ID, PackageRequest{LinkType: models.LinkTypeTemporary, Quantity: 50, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Package)
	assert.True(t, res.Package.IsCredited())

	require.Len(t, f.gw.intentReqs, 1)
	req := f.gw.intentReqs[0]
	assert.Equal(t, "90.00", req.Amount.StringFixed(2))
	assert.Equal(t, "link_package", req.Metadata["type"])
	assert.Equal(t, "cus_jane", req.CustomerID)

	assert.Equal(t, 25+50, f.reloadUser(t, u.ID).MonthlyLinkLimit)

	var payment models.Payment
	require.NoError(t, f.db.Where("transaction_id = ?", "pi_1").First(&payment).Error)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
	assert.Equal(t, models.PaymentTypePackage, payment.PaymentType)

	// The webhook for the same intent arrives later and must not credit twice.
	ev := newEvent(t, "evt_pi", "payment_intent.succeeded", obj{
		"id":       "pi_1",
		"status":   "succeeded",
		"amount":   9000,
		"metadata": obj{"type": "link_package"},
	})
	out, err := f.rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Status)
	assert.Equal(t, 75, f.reloadUser(t, u.ID).MonthlyLinkLimit)
}

func TestBuyLinkPackage_RequiresActionThenConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.intentStatus = IntentRequiresAction
	u := f.createUser(t, "jane", entitlements.LevelFree)
	f.activeSubscription(t, u, entitlements.LevelBusiness, "price_bm", testNow.Add(-days(3)), testNow.Add(days(27)))

	res, err := f.svc.BuyLinkPackage(ctx, u.ID, PackageRequest{LinkType: models.LinkTypePermanent, Quantity: 20, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, StatusRequiresAction, res.Status)
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Equal(t, 50, f.reloadUser(t, u.ID).MonthlyLinkLimit)

	f.gw.intents["pi_1"].Status = IntentSucceeded
	res, err = f.svc.ConfirmPackagePayment(ctx, u.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 70, f.reloadUser(t, u.ID).MonthlyLinkLimit)

	res, err = f.svc.ConfirmPackagePayment(ctx, u.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 70, f.reloadUser(t, u.ID).MonthlyLinkLimit)
}

func TestConfirmPackagePayment_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.intentStatus = IntentRequiresAction
	u := f.createUser(t, "jane", entitlements.LevelFree)
	other := f.createUser(t, "max", entitlements.LevelFree)
	f.activeSubscription(t, u, entitlements.LevelPremium, "price_pm", testNow.Add(-days(3)), testNow.Add(days(27)))

	_, err := f.svc.BuyLinkPackage(ctx, u.ID, PackageRequest{LinkType: models.LinkTypePermanent, Quantity: 5, PaymentMethodID: "pm_card"})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPackagePayment(ctx, other.ID, "pi_1")
	assert.Equal(t, "Unknown payment", UserMessage(err))
	_, err = f.svc.ConfirmPackagePayment(ctx, u.ID, "pi_missing")
	assert.Equal(t, "Unknown payment", UserMessage(err))

	f.gw.intents["pi_1"].Status = IntentRequiresPaymentMethod
	_, err = f.svc.ConfirmPackagePayment(ctx, u.ID, "pi_1")
	assert.True(t, IsValidation(err))

	var payment models.Payment
	require.NoError(t, f.db.Where("transaction_id = ?", "pi_1").First(&payment).Error)
	assert.Equal(t, models.PaymentFailed, payment.Status)
	assert.Equal(t, 25, f.reloadUser(t, u.ID).MonthlyLinkLimit)
}

func TestPaymentIntentFailedWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.intentStatus = IntentProcessing
	u := f.createUser(t, "jane", entitlements.LevelFree)
	f.activeSubscription(t, u, entitlements.LevelPremium, "price_pm", testNow.Add(-days(3)), testNow.Add(days(27)))

	res, err := f.svc.BuyLinkPackage(ctx, u.ID, PackageRequest{LinkType: models.LinkTypePermanent, Quantity: 5, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	ev := newEvent(t, "evt_pi", "payment_intent.payment_failed", obj{
		"id":       "pi_1",
		"status":   "requires_payment_method",
		"metadata": obj{"type": "link_package"},
	})
	out, err := f.rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Status)

	var payment models.Payment
	require.NoError(t, f.db.Where("transaction_id = ?", "pi_1").First(&payment).Error)
	assert.Equal(t, models.PaymentFailed, payment.Status)

	unrelated := newEvent(t, "evt_other", "payment_intent.succeeded", obj{"id": "pi_other", "metadata": obj{}})
	out, err = f.rec.HandleEvent(ctx, unrelated)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Status)
}
