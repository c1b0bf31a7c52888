package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvancesForwardOnly(t *testing.T) {
	var cases = []struct {
		from, to FulfillmentState
		want     bool
	}{
		{FulfillmentPending, FulfillmentPreparation, true},
		{FulfillmentPending, FulfillmentShipped, true},
		{FulfillmentShipped, FulfillmentInTransit, true},
		{FulfillmentShipped, FulfillmentPickProcess, false},
		{FulfillmentPickProcess, FulfillmentPickProcess, false},
		{FulfillmentDelivered, FulfillmentReturnedToSender, false},
		{FulfillmentPending, FulfillmentCanceled, true},
		{FulfillmentShipped, FulfillmentCanceled, true},
		{FulfillmentCanceled, FulfillmentCanceled, false},
		{FulfillmentPartiallyCanceled, FulfillmentShipped, true},
		{FulfillmentPartiallyCanceled, FulfillmentCanceled, true},
		{FulfillmentPending, FulfillmentState("SOMETHING_NEW"), false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.from.Advances(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	var all = []FulfillmentState{
		FulfillmentPending, FulfillmentPreparation, FulfillmentAcknowledged,
		FulfillmentLocked, FulfillmentPickProcess, FulfillmentPartiallyShipped,
		FulfillmentShipped, FulfillmentInTransit, FulfillmentDelivered,
		FulfillmentFailedDelivery, FulfillmentReturnedToSender,
		FulfillmentCanceled, FulfillmentPartiallyCanceled,
	}
	for _, s := range all {
		if !s.Terminal() {
			continue
		}
		for _, next := range all {
			require.False(t, s.Advances(next), "%s must not advance to %s", s, next)
		}
	}
}

func TestPaymentGate(t *testing.T) {
	require.True(t, PaymentStatusSafe("paid"))
	require.True(t, PaymentStatusSafe("authorized"))
	require.False(t, PaymentStatusSafe(""))
	require.False(t, PaymentStatusSafe("pending"))
	require.False(t, PaymentStatusSafe("PAID"))
}

func TestMerchantNumberFallsBackToID(t *testing.T) {
	var o = Order{ID: "abc-123"}
	require.Equal(t, "abc-123", o.MerchantNumber())
	o.OrderNumber = "A-77"
	require.Equal(t, "A-77", o.MerchantNumber())
}
