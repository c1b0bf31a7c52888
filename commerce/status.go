package commerce

import "github.com/parcelry/bridge/model"

// webshopOrderStatus maps the Webshop platform's status tokens to the
// canonical lifecycle. Refunded and failed orders fold into CANCELLED:
// neither may reach the warehouse.
var webshopOrderStatus = map[string]model.OrderStatus{
	"pending":    model.OrderStatusPending,
	"processing": model.OrderStatusProcessing,
	"on-hold":    model.OrderStatusOnHold,
	"completed":  model.OrderStatusDelivered,
	"cancelled":  model.OrderStatusCancelled,
	"refunded":   model.OrderStatusCancelled,
	"failed":     model.OrderStatusCancelled,
}

// WebshopOrderStatus maps a platform status token to the canonical one.
// Unknown tokens land on PENDING, the conservative end of the lifecycle.
func WebshopOrderStatus(token string) model.OrderStatus {
	if s, ok := webshopOrderStatus[token]; ok {
		return s
	}
	return model.OrderStatusPending
}

// webshopStatusTokens is the reverse projection used when pushing a
// canonical status back to the platform.
var webshopStatusTokens = map[model.OrderStatus]string{
	model.OrderStatusPending:    "pending",
	model.OrderStatusProcessing: "processing",
	model.OrderStatusOnHold:     "on-hold",
	model.OrderStatusDelivered:  "completed",
	model.OrderStatusCancelled:  "cancelled",
}

// WebshopPaymentStatus derives the canonical payment token from the
// Webshop order status. The platform only moves an order to processing or
// beyond once payment is captured, so those tokens imply paid; there is
// no separate payment field to consult.
func WebshopPaymentStatus(token string) string {
	switch token {
	case "processing", "completed":
		return "paid"
	case "refunded":
		return "refunded"
	case "failed":
		return "failed"
	case "cancelled":
		return "cancelled"
	}
	// pending, on-hold, unknown: payment not yet captured.
	return "pending"
}

// storefrontOrderStatus folds the Storefront platform's separate
// cancellation, closure and fulfillment markers into the canonical
// lifecycle.
func storefrontOrderStatus(o *storefrontOrder) model.OrderStatus {
	switch {
	case o.CancelledAt != nil:
		return model.OrderStatusCancelled
	case o.ClosedAt != nil || o.FulfillmentStatus == "fulfilled":
		return model.OrderStatusDelivered
	case o.FinancialStatus == "pending":
		return model.OrderStatusPending
	}
	return model.OrderStatusProcessing
}
