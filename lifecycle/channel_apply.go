package lifecycle

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/store"
)

// Actions returned by ApplyChannelOrder.
const (
	AppliedCreate = "created"
	AppliedUpdate = "updated"
	AppliedCancel = "cancelled"
)

// dispatchable mirrors the paid-order sweep's candidate predicate. Orders
// failing it are left for a later payment event or sweep pass; orders
// passing it still re-run the payment gate inside the dispatch worker.
func dispatchable(o *model.Order) bool {
	if o.FFNOutboundID != nil || o.IsCancelled || o.IsReplacement {
		return false
	}
	if o.PaymentHoldOverride {
		return true
	}
	if !model.PaymentStatusSafe(o.PaymentStatus) {
		return false
	}
	if o.IsOnHold && o.HoldReason != nil &&
		(*o.HoldReason == model.HoldAwaitingPayment || *o.HoldReason == model.HoldShippingMethodMismatch) {
		return false
	}
	return true
}

// ApplyChannelOrder folds an order as the platform reports it onto the
// canonical row. Webhook ingestion and the poll loops both come through
// here, so a row converges no matter which path saw the change first:
// unpaid newcomers are parked on a payment hold, a settled payment
// releases that hold, and dispatch is enqueued whenever the row clears
// the sweep predicate.
func (e *Engine) ApplyChannelOrder(ctx context.Context, ch *model.Channel, o *model.Order) (string, error) {
	var existing, err = e.store.GetOrderByExternalID(ctx, ch.ClientID, o.ExternalOrderID)
	var nf *store.NotFoundError
	if err != nil && !errors.As(err, &nf) {
		return "", err
	}
	// An address corrected by an operator or the warehouse outranks what
	// the platform still carries.
	if existing != nil && existing.LastOperationalUpdateBy != nil {
		o.ShippingAddress = existing.ShippingAddress
	}

	created, err := e.store.UpsertOrder(ctx, o)
	if err != nil {
		return "", err
	}
	cur, err := e.store.GetOrder(ctx, o.ID)
	if err != nil {
		return "", err
	}
	var logger = log.WithFields(log.Fields{
		"orderId":         cur.ID,
		"channelId":       ch.ID,
		"externalOrderId": cur.ExternalOrderID,
	})

	if created {
		if !cur.IsCancelled {
			if !model.PaymentStatusSafe(cur.PaymentStatus) {
				if err = e.store.PlaceOrderHold(ctx, cur.ID, model.HoldAwaitingPayment, "system"); err != nil {
					return "", err
				}
				logger.WithField("paymentStatus", cur.PaymentStatus).Info("parked new order awaiting payment")
			}
			// Enqueue regardless of the hold: the dispatch worker owns the
			// payment gate and a blocked attempt clears its singleton.
			if _, err = EnqueueFFNSync(ctx, e.queue, cur.ID, 0, false); err != nil {
				return "", err
			}
		}
		logger.Info("order created from channel")
		return AppliedCreate, nil
	}

	if o.IsCancelled && !cur.IsCancelled {
		if err = e.CancelFromChannel(ctx, ch, cur, o.CancelledAt); err != nil {
			return "", err
		}
		return AppliedCancel, nil
	}
	if cur.OnPaymentHold() && model.PaymentStatusSafe(cur.PaymentStatus) {
		if err = e.store.ReleaseOrderHold(ctx, cur.ID, "system", false); err != nil {
			return "", err
		}
		if cur, err = e.store.GetOrder(ctx, cur.ID); err != nil {
			return "", err
		}
		logger.WithField("paymentStatus", cur.PaymentStatus).Info("payment settled, released hold")
	}
	if dispatchable(cur) {
		if _, err = EnqueueFFNSync(ctx, e.queue, cur.ID, 0, false); err != nil {
			return "", err
		}
	}
	logger.Debug("order refreshed from channel")
	return AppliedUpdate, nil
}

// CancelFromChannel records a platform-side cancellation. Any dispatch job
// still parked behind its singleton is dropped, and when an outbound
// already exists the warehouse is told through the cancel job. The
// fulfillment state is left alone: the warehouse confirms its side through
// the cancel job and the status feed.
func (e *Engine) CancelFromChannel(ctx context.Context, ch *model.Channel, o *model.Order, at *time.Time) error {
	var now = time.Now().UTC()
	if at == nil {
		at = &now
	}
	var by = string(ch.ChannelType)
	o.IsCancelled = true
	o.Status = model.OrderStatusCancelled
	o.CancelledAt = at
	o.CancelledBy = &by
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	if _, err := e.queue.CancelPending(ctx, QueueOrderSyncToFFN, "ffn-sync-"+o.ID); err != nil {
		return err
	}
	if o.FFNOutboundID != nil && *o.FFNOutboundID != "" {
		if _, err := EnqueueFFNCancel(ctx, e.queue, o.ID, by, ""); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"orderId":   o.ID,
		"channelId": ch.ID,
		"outbound":  o.FFNOutboundID != nil,
	}).Info("order cancelled by platform")
	return nil
}

// ApplyChannelProduct upserts one catalog listing, links it to the channel
// it came from and schedules the article sync.
func (e *Engine) ApplyChannelProduct(ctx context.Context, ch *model.Channel, cp *commerce.ChannelProduct) error {
	if _, err := e.store.UpsertProduct(ctx, &cp.Product); err != nil {
		return err
	}
	if err := e.store.LinkProductChannel(ctx, cp.Product.ID, ch.ID, cp.ExternalProductID); err != nil {
		return err
	}
	var _, err = EnqueueProductSync(ctx, e.queue, cp.Product.ID)
	return err
}
