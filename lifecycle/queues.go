package lifecycle

import (
	"context"
	"time"

	"github.com/parcelry/bridge/queue"
)

// Queue names. Handlers for all four are registered by RegisterHandlers.
const (
	QueueOrderSyncToFFN      = "order-sync-to-ffn"
	QueueOrderSyncToCommerce = "order-sync-to-commerce"
	QueueProductSyncToFFN    = "product-sync-to-ffn"
	QueueReturnSyncToFFN     = "return-sync-to-ffn"
)

// OrderSyncJob asks for an order to be dispatched to the fulfillment
// network, or with Cancel set, for its outbound to be cancelled there.
// Force bypasses the payment gate.
type OrderSyncJob struct {
	OrderID     string `json:"orderId"`
	Force       bool   `json:"force,omitempty"`
	Cancel      bool   `json:"cancel,omitempty"`
	CancelledBy string `json:"cancelledBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CommerceFulfillJob asks for an order's shipment to be propagated back to
// its commerce channel.
type CommerceFulfillJob struct {
	OrderID string `json:"orderId"`
}

// ProductSyncJob asks for an article to be created or updated at the
// fulfillment network.
type ProductSyncJob struct {
	ProductID string `json:"productId"`
}

// ReturnSyncJob asks for a customer return to be announced as an inbound.
type ReturnSyncJob struct {
	ReturnID string `json:"returnId"`
}

// EnqueueFFNSync schedules one dispatch attempt for the order. The
// per-order singleton key keeps concurrent producers (webhook, sweep,
// manual release) from stacking jobs; enqueued is false when one is
// already pending.
func EnqueueFFNSync(ctx context.Context, q *queue.Queue, orderID string, priority int, force bool) (bool, error) {
	_, enqueued, err := q.Enqueue(ctx, QueueOrderSyncToFFN, OrderSyncJob{OrderID: orderID, Force: force}, queue.Options{
		Priority:     priority,
		RetryLimit:   3,
		RetryDelay:   60 * time.Second,
		RetryBackoff: true,
		ExpireIn:     time.Hour,
		SingletonKey: "ffn-sync-" + orderID,
	})
	return enqueued, err
}

// EnqueueFFNCancel schedules a cancellation attempt for the order's
// outbound. The key is distinct from the sync singleton so a pending
// dispatch job cannot swallow the cancel.
func EnqueueFFNCancel(ctx context.Context, q *queue.Queue, orderID, cancelledBy, reason string) (bool, error) {
	var job = OrderSyncJob{
		OrderID:     orderID,
		Cancel:      true,
		CancelledBy: cancelledBy,
		Reason:      reason,
	}
	_, enqueued, err := q.Enqueue(ctx, QueueOrderSyncToFFN, job, queue.Options{
		RetryLimit:   3,
		RetryDelay:   60 * time.Second,
		RetryBackoff: true,
		SingletonKey: "ffn-cancel-" + orderID,
	})
	return enqueued, err
}

// EnqueueCommerceFulfill schedules the shipment notification toward the
// order's commerce channel.
func EnqueueCommerceFulfill(ctx context.Context, q *queue.Queue, orderID string, priority int) (bool, error) {
	_, enqueued, err := q.Enqueue(ctx, QueueOrderSyncToCommerce, CommerceFulfillJob{OrderID: orderID}, queue.Options{
		Priority:     priority,
		RetryLimit:   5,
		RetryDelay:   30 * time.Second,
		RetryBackoff: true,
		SingletonKey: "commerce-fulfill-" + orderID,
	})
	return enqueued, err
}

// EnqueueProductSync schedules an article push to the fulfillment network.
func EnqueueProductSync(ctx context.Context, q *queue.Queue, productID string) (bool, error) {
	_, enqueued, err := q.Enqueue(ctx, QueueProductSyncToFFN, ProductSyncJob{ProductID: productID}, queue.Options{
		RetryLimit:   3,
		RetryDelay:   60 * time.Second,
		RetryBackoff: true,
		SingletonKey: "product-sync-" + productID,
	})
	return enqueued, err
}

// EnqueueReturnSync schedules a return announcement to the fulfillment
// network.
func EnqueueReturnSync(ctx context.Context, q *queue.Queue, returnID string) (bool, error) {
	_, enqueued, err := q.Enqueue(ctx, QueueReturnSyncToFFN, ReturnSyncJob{ReturnID: returnID}, queue.Options{
		RetryLimit:   3,
		RetryDelay:   60 * time.Second,
		RetryBackoff: true,
		SingletonKey: "return-sync-" + returnID,
	})
	return enqueued, err
}
