package lifecycle

import "github.com/parcelry/bridge/model"

// BlockedByPaymentGateError means an order was held back from dispatch
// because its payment is not yet settled. It is not retryable: the next
// payment webhook or the paid-order sweep re-enqueues the sync once the
// gate opens.
type BlockedByPaymentGateError struct {
	Reason string
}

func (e *BlockedByPaymentGateError) Error() string {
	return "order blocked by payment gate: " + e.Reason
}

func (e *BlockedByPaymentGateError) Retryable() bool { return false }

// NotUpdateableError means the order has advanced past the point where the
// warehouse accepts operational changes.
type NotUpdateableError struct {
	CurrentState model.FulfillmentState
}

func (e *NotUpdateableError) Error() string {
	return "order not updateable in state " + string(e.CurrentState)
}

func (e *NotUpdateableError) Retryable() bool { return false }

// MissingWarehouseError means the tenant's fulfillment configuration names
// no warehouse, so no outbound can be placed.
type MissingWarehouseError struct {
	ClientID string
}

func (e *MissingWarehouseError) Error() string {
	return "no warehouse configured for client " + e.ClientID
}

func (e *MissingWarehouseError) Retryable() bool { return false }

// NoOutboundError means an operation needs an existing outbound but the
// order was never dispatched to the fulfillment network.
type NoOutboundError struct {
	OrderID string
}

func (e *NoOutboundError) Error() string {
	return "order " + e.OrderID + " has no outbound"
}

func (e *NoOutboundError) Retryable() bool { return false }

// ValidationError reports an order or product that cannot be dispatched
// as-is, typically an incomplete shipping address or an item without a
// resolvable article.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Detail
}

func (e *ValidationError) Retryable() bool { return false }
