package model

// OrderStatus is the commerce-visible lifecycle of an order. It is an
// independent axis from FulfillmentState: a cancelled order may never have
// reached the warehouse, and a DELIVERED order may still show PROCESSING on
// a channel that was never told otherwise.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusOnHold     OrderStatus = "ON_HOLD"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// FulfillmentState tracks warehouse progress of an order inside the
// fulfillment network. PENDING is initial. States advance monotonically;
// the only exceptions are the cancellation states, reachable from any
// non-terminal state.
type FulfillmentState string

const (
	FulfillmentPending           FulfillmentState = "PENDING"
	FulfillmentPreparation       FulfillmentState = "PREPARATION"
	FulfillmentAcknowledged      FulfillmentState = "ACKNOWLEDGED"
	FulfillmentLocked            FulfillmentState = "LOCKED"
	FulfillmentPickProcess       FulfillmentState = "PICKPROCESS"
	FulfillmentPartiallyShipped  FulfillmentState = "PARTIALLY_SHIPPED"
	FulfillmentShipped           FulfillmentState = "SHIPPED"
	FulfillmentInTransit         FulfillmentState = "IN_TRANSIT"
	FulfillmentDelivered         FulfillmentState = "DELIVERED"
	FulfillmentFailedDelivery    FulfillmentState = "FAILED_DELIVERY"
	FulfillmentReturnedToSender  FulfillmentState = "RETURNED_TO_SENDER"
	FulfillmentCanceled          FulfillmentState = "CANCELED"
	FulfillmentPartiallyCanceled FulfillmentState = "PARTIALLY_CANCELED"
)

// fulfillmentRank orders states along the happy path. Cancellation states
// are absent: they're reachable from any non-terminal state and are
// handled separately by Advances.
var fulfillmentRank = map[FulfillmentState]int{
	FulfillmentPending:          0,
	FulfillmentPreparation:      1,
	FulfillmentAcknowledged:     2,
	FulfillmentLocked:           3,
	FulfillmentPickProcess:      4,
	FulfillmentPartiallyShipped: 5,
	FulfillmentShipped:          6,
	FulfillmentInTransit:        7,
	FulfillmentDelivered:        8,
	FulfillmentFailedDelivery:   8,
	FulfillmentReturnedToSender: 8,
}

// Terminal reports whether no further transition may leave the state.
func (s FulfillmentState) Terminal() bool {
	switch s {
	case FulfillmentDelivered, FulfillmentFailedDelivery, FulfillmentReturnedToSender, FulfillmentCanceled:
		return true
	}
	return false
}

// Advances reports whether a transition from s to next is a legal move of
// the state machine: strictly forward along the happy path, or into a
// cancellation state from any non-terminal state. Repeated application of
// the same update is a no-op, which keeps poll-driven writers idempotent.
func (s FulfillmentState) Advances(next FulfillmentState) bool {
	if s.Terminal() {
		return false
	}
	if next == FulfillmentCanceled || next == FulfillmentPartiallyCanceled {
		return s != next
	}
	from, ok := fulfillmentRank[s]
	if !ok {
		// Current state is PARTIALLY_CANCELED: remaining lines may still ship.
		from = fulfillmentRank[FulfillmentPending]
	}
	to, ok := fulfillmentRank[next]
	if !ok {
		return false
	}
	return to > from
}

// SyncStatus summarizes the most recent attempt to mirror an entity into an
// external system.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncError   SyncStatus = "ERROR"
)

// OrderOrigin names the system an order was first observed on.
type OrderOrigin string

const (
	OriginStorefront OrderOrigin = "Storefront"
	OriginWebshop    OrderOrigin = "Webshop"
	OriginInternal   OrderOrigin = "Internal"
	OriginFFN        OrderOrigin = "FFN"
)

// ChannelType tags the commerce platform a channel binds to.
type ChannelType string

const (
	ChannelStorefront ChannelType = "Storefront"
	ChannelWebshop    ChannelType = "Webshop"
)

// HoldReason explains why an order is parked.
type HoldReason string

const (
	HoldAwaitingPayment        HoldReason = "AWAITING_PAYMENT"
	HoldShippingMethodMismatch HoldReason = "SHIPPING_METHOD_MISMATCH"
	HoldAddressInvalid         HoldReason = "ADDRESS_INVALID"
	HoldManualReview           HoldReason = "MANUAL_REVIEW"
)

// paymentSafeList enumerates the payment-status tokens that permit dispatch
// to the fulfillment network. Anything else, including the empty string,
// blocks until a payment event arrives or an operator overrides.
var paymentSafeList = []string{
	"paid",
	"completed",
	"processing",
	"refunded",
	"partially_refunded",
	"authorized",
	"partially_paid",
}

var paymentSafe = func() map[string]struct{} {
	var m = make(map[string]struct{}, len(paymentSafeList))
	for _, s := range paymentSafeList {
		m[s] = struct{}{}
	}
	return m
}()

// PaymentStatusSafe reports whether status clears the payment gate.
func PaymentStatusSafe(status string) bool {
	_, ok := paymentSafe[status]
	return ok
}

// SafePaymentStatuses returns the gate-clearing tokens in a stable order,
// suitable for query predicates.
func SafePaymentStatuses() []string {
	return append([]string(nil), paymentSafeList...)
}

// ReturnStatus is the lifecycle of a customer return.
type ReturnStatus string

const (
	ReturnReceived  ReturnStatus = "RECEIVED"
	ReturnInspected ReturnStatus = "INSPECTED"
	ReturnAccepted  ReturnStatus = "ACCEPTED"
	ReturnRefunded  ReturnStatus = "REFUNDED"
)
