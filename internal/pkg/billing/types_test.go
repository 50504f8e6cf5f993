package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvoice_ParentLayout(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "in_1",
		"customer": {"id": "cus_1", "object": "customer"},
		"amount_paid": 1999,
		"amount_due": 1999,
		"parent": {"type": "subscription_details", "subscription_details": {"subscription": "sub_1"}},
		"lines": {"data": [
			{"type": "subscription", "period": {"start": 1700000000, "end": 1702592000},
			 "pricing": {"price_details": {"price": "price_old"}},
			 "parent": {"subscription_item_details": {"subscription": "sub_1", "proration": true}}},
			{"type": "subscription", "period": {"start": 1702592000, "end": 1705270400},
			 "pricing": {"price_details": {"price": "price_new"}},
			 "parent": {"subscription_item_details": {"subscription": "sub_1", "proration": false}}}
		]}
	}`)
	inv, err := ParseInvoice(raw)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", inv.CustomerID)
	assert.Equal(t, "sub_1", inv.SubscriptionID)
	require.Len(t, inv.Lines, 2)
	assert.True(t, inv.Lines[0].Proration)

	line, ok := inv.SubscriptionLine()
	require.True(t, ok)
	assert.Equal(t, "price_new", line.PriceID)
	assert.Equal(t, time.Unix(1705270400, 0).UTC(), line.PeriodEnd)
}

func TestParseInvoice_LegacyLayout(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "in_2",
		"customer": "cus_1",
		"subscription": "sub_2",
		"amount_paid": 999,
		"lines": {"data": [
			{"type": "subscription", "subscription": "sub_2", "proration": false,
			 "period": {"start": 1700000000, "end": 1702592000}, "price": {"id": "price_pm"}}
		]}
	}`)
	inv, err := ParseInvoice(raw)
	require.NoError(t, err)
	assert.Equal(t, "sub_2", inv.SubscriptionID)

	line, ok := inv.SubscriptionLine()
	require.True(t, ok)
	assert.Equal(t, "price_pm", line.PriceID)
	assert.Equal(t, "sub_2", line.SubscriptionID)
}

func TestInvoiceSubscriptionLine_FallsBackToAnyPeriod(t *testing.T) {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{
		SubscriptionID: "sub_1",
		Lines: []InvoiceLine{
			{SubscriptionID: "sub_1", Proration: true, PeriodEnd: end.Add(-time.Hour)},
			{SubscriptionID: "sub_1", Proration: true, PeriodEnd: end},
		},
	}
	line, ok := inv.SubscriptionLine()
	require.True(t, ok)
	assert.Equal(t, end, line.PeriodEnd)

	_, ok = (&Invoice{}).SubscriptionLine()
	assert.False(t, ok)
}

func TestParseSubscription(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"cancel_at_period_end": true,
		"schedule": null,
		"current_period_start": 1700000000,
		"current_period_end": 1702592000,
		"metadata": {"user_id": "7"},
		"items": {"data": [{"id": "si_1", "price": {"id": "price_by", "unit_amount": 19900, "recurring": {"interval": "year"}}}]}
	}`)
	ps, err := ParseSubscription(raw)
	require.NoError(t, err)
	assert.True(t, ps.CancelAtPeriodEnd)
	assert.Empty(t, ps.ScheduleID)
	assert.Equal(t, "7", ps.Metadata["user_id"])

	item, ok := ps.PrimaryItem()
	require.True(t, ok)
	assert.Equal(t, "year", item.Interval)

	start, end := ps.Period()
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, int64(1702592000), end.Unix())

	price, ok := ps.Price()
	require.True(t, ok)
	assert.Equal(t, "199.00", price.StringFixed(2))

	_, err = ParseSubscription(json.RawMessage(`{"status": "active"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseCustomer_ExpandedPaymentMethod(t *testing.T) {
	c, err := ParseCustomer(json.RawMessage(`{"id": "cus_1", "balance": -120, "invoice_settings": {"default_payment_method": {"id": "pm_1", "object": "payment_method"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "pm_1", c.DefaultPaymentMethod)
	assert.Equal(t, int64(-120), c.Balance)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, "9.99", fromMinorUnits(999).StringFixed(2))
	assert.Equal(t, int64(9000), toMinorUnits(fromMinorUnits(9000)))
	assert.Equal(t, int64(8118), toMinorUnits(fromMinorUnits(8118)))
}
