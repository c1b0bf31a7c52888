// Package lifecycle drives orders through the fulfillment network: the
// payment gate, outbound dispatch, cancellation, in-flight operational
// updates, application of warehouse status feeds, holds, and propagation of
// shipments back to the originating commerce channel.
//
// The engine owns every fulfillment-state write that originates at the
// network; webhook ingestion and the scheduler never touch that column
// directly.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
)

// holdPriority is the outbound priority mirrored to the network while an
// order is parked. Release restores zero.
const holdPriority = -5

// Engine executes order lifecycle operations against one canonical store.
// FFN and commerce clients are passed per call because they are
// tenant-scoped while the engine is process-wide.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	validate *validator.Validate
}

func NewEngine(st *store.Store, q *queue.Queue) *Engine {
	return &Engine{store: st, queue: q, validate: validator.New()}
}

// gateCheck evaluates the payment gate. A blocked order waits for a
// payment webhook or the paid-order sweep; the returned reason is
// non-retryable so the queue does not spin on it.
func gateCheck(o *model.Order) error {
	if o.IsCancelled {
		return &BlockedByPaymentGateError{Reason: "order is cancelled"}
	}
	if o.OnPaymentHold() {
		return &BlockedByPaymentGateError{Reason: "order is on payment hold"}
	}
	if !model.PaymentStatusSafe(o.PaymentStatus) && !o.PaymentHoldOverride {
		return &BlockedByPaymentGateError{Reason: fmt.Sprintf("payment status %q is not settled", o.PaymentStatus)}
	}
	return nil
}

// SyncOrderToFFN dispatches one order as an outbound. The call is
// idempotent: an order that already carries an outbound id is a no-op, and
// an outbound that exists remotely under our merchant number is attached
// instead of recreated. force bypasses the payment gate for administrative
// manual syncs; the gate is evaluated here even when callers pre-filtered.
func (e *Engine) SyncOrderToFFN(ctx context.Context, fc *ffn.Client, orderID string, force bool) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	var logger = log.WithFields(log.Fields{"orderId": o.ID, "clientId": o.ClientID})

	if o.FFNOutboundID != nil && *o.FFNOutboundID != "" {
		logger.WithField("outboundId", *o.FFNOutboundID).Debug("order already dispatched")
		return nil
	}
	if !force {
		if err = gateCheck(o); err != nil {
			logger.WithError(err).Info("dispatch blocked by payment gate")
			return err
		}
	}
	if fc.WarehouseID() == "" {
		return e.failDispatch(ctx, o, &MissingWarehouseError{ClientID: o.ClientID})
	}

	existing, err := fc.OutboundByMerchantNumber(ctx, o.MerchantNumber())
	if err != nil {
		return e.failDispatch(ctx, o, err)
	}
	if existing != nil {
		if err = e.store.MarkOrderDispatched(ctx, o.ID, existing.OutboundID); err != nil {
			return err
		}
		e.appendLog(ctx, &model.OrderSyncLog{
			OrderID:        o.ID,
			Action:         model.ActionUpdate,
			Origin:         model.OriginInternal,
			TargetPlatform: "ffn",
			Success:        true,
			ExternalID:     &existing.OutboundID,
			ChangedFields:  mustJSON([]string{"ffnOutboundId", "lastFfnSyncAt", "syncStatus"}),
		})
		logger.WithFields(log.Fields{
			"outboundId": existing.OutboundID,
			"reason":     "alreadyExisted",
		}).Info("attached existing outbound")
		return nil
	}

	ob, err := e.buildOutbound(ctx, o)
	if err != nil {
		return e.failDispatch(ctx, o, err)
	}
	created, err := fc.CreateOutbound(ctx, *ob)
	if err != nil {
		return e.failDispatch(ctx, o, err)
	}
	if err = e.store.MarkOrderDispatched(ctx, o.ID, created.OutboundID); err != nil {
		return err
	}
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionCreate,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        true,
		ExternalID:     &created.OutboundID,
		ChangedFields:  mustJSON([]string{"ffnOutboundId", "lastFfnSyncAt", "syncStatus"}),
	})
	logger.WithField("outboundId", created.OutboundID).Info("order dispatched to ffn")
	return nil
}

// buildOutbound maps the canonical order onto the network payload. Items
// whose product carries a network article id ride with their jfsku; any
// bundle item turns on bill-of-materials completion for the whole outbound.
func (e *Engine) buildOutbound(ctx context.Context, o *model.Order) (*ffn.Outbound, error) {
	if len(o.Items) == 0 {
		return nil, &ValidationError{Detail: "order has no line items"}
	}
	if err := e.validate.Struct(o.ShippingAddress); err != nil {
		return nil, &ValidationError{Detail: "shipping address: " + err.Error()}
	}

	var ob = &ffn.Outbound{
		MerchantOutboundNumber: o.MerchantNumber(),
		CustomerOrderNumber:    o.MerchantNumber(),
		Currency:               o.Currency,
		OrderDate:              o.CreatedAt,
		ShippingAddress:        o.ShippingAddress,
		ShippingType:           "Standard",
		Priority:               o.PriorityLevel,
		Oversale:               true,
	}
	for _, it := range o.Items {
		var item = ffn.OutboundItem{
			OutboundItemID: it.ID,
			MerchantSKU:    it.SKU,
			Name:           it.ProductName,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice.InexactFloat64(),
		}
		p, err := e.store.GetProductBySKU(ctx, o.ClientID, it.SKU)
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			// Unlinked SKU: the network resolves or rejects it.
			ob.Items = append(ob.Items, item)
			continue
		} else if err != nil {
			return nil, err
		}
		if p.FFNProductID != nil {
			item.JFSKU = *p.FFNProductID
		}
		if p.IsBundle {
			ob.AutoCompleteBillOfMaterials = true
		}
		ob.Items = append(ob.Items, item)
	}
	return ob, nil
}

// failDispatch records the failed attempt on the order and its audit trail
// and hands the cause back for retry classification.
func (e *Engine) failDispatch(ctx context.Context, o *model.Order, cause error) error {
	if err := e.store.MarkOrderSyncError(ctx, o.ID, cause.Error()); err != nil {
		log.WithError(err).WithField("orderId", o.ID).Warn("failed to record dispatch error")
	}
	var msg = cause.Error()
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionCreate,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        false,
		ErrorMessage:   &msg,
	})
	return cause
}

// MapFFNStatus translates a network outbound status into the canonical
// fulfillment state. Unknown statuses map to PENDING, which Advances
// rejects as a backward move, so a new remote status never corrupts local
// progress.
func MapFFNStatus(status string) model.FulfillmentState {
	switch status {
	case ffn.OutboundStatusNew:
		return model.FulfillmentPreparation
	case ffn.OutboundStatusOpen:
		return model.FulfillmentAcknowledged
	case ffn.OutboundStatusInPick, ffn.OutboundStatusPicked, ffn.OutboundStatusPacking:
		return model.FulfillmentPickProcess
	case ffn.OutboundStatusPacked:
		return model.FulfillmentLocked
	case ffn.OutboundStatusShipped:
		return model.FulfillmentShipped
	case ffn.OutboundStatusDelivered:
		return model.FulfillmentDelivered
	case ffn.OutboundStatusCancelled:
		return model.FulfillmentCanceled
	case ffn.OutboundStatusFailed:
		return model.FulfillmentFailedDelivery
	case ffn.OutboundStatusReturned:
		return model.FulfillmentReturnedToSender
	}
	return model.FulfillmentPending
}

// ApplyFFNUpdate advances an order from one entry of the outbound updates
// feed. Stale and repeated entries are ignored, so the poll loop may
// re-deliver freely. A transition into SHIPPED pulls the shipping
// notification for tracking data and schedules the commerce fulfillment.
func (e *Engine) ApplyFFNUpdate(ctx context.Context, fc *ffn.Client, clientID string, upd ffn.OutboundUpdate) error {
	var o, err = e.store.GetOrderByFFNOutboundID(ctx, clientID, upd.OutboundID)
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		log.WithFields(log.Fields{
			"clientId":   clientID,
			"outboundId": upd.OutboundID,
		}).Debug("update for unknown outbound")
		return nil
	} else if err != nil {
		return err
	}

	var next = MapFFNStatus(upd.Status)
	if !o.FulfillmentState.Advances(next) {
		log.WithFields(log.Fields{
			"orderId": o.ID,
			"current": o.FulfillmentState,
			"update":  next,
		}).Debug("ignoring stale fulfillment update")
		return nil
	}

	var before = snapshot(o)
	var now = time.Now().UTC()
	var by = string(model.OriginFFN)
	o.FulfillmentState = next
	o.LastOperationalUpdateBy = &by
	o.LastOperationalUpdateAt = &now

	if next == model.FulfillmentShipped {
		notes, err := fc.ShippingNotifications(ctx, upd.OutboundID)
		if err != nil {
			return err
		}
		var shippedAt = now
		if len(notes) > 0 {
			if !notes[0].Timestamp.IsZero() {
				shippedAt = notes[0].Timestamp.UTC()
			}
			if info, ok := notes[0].Tracking(); ok {
				o.TrackingNumber = &info.TrackingNumber
				o.Carrier = &info.Carrier
				if info.TrackingURL != "" {
					o.TrackingURL = &info.TrackingURL
				}
			}
		}
		o.ShippedAt = &shippedAt
	}
	if next == model.FulfillmentDelivered && o.DeliveredAt == nil {
		o.DeliveredAt = &now
	}

	if err = e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	var changed, previous = diffFields(before, o)
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionUpdate,
		Origin:         model.OriginFFN,
		TargetPlatform: "ffn",
		Success:        true,
		ExternalID:     &upd.OutboundID,
		ChangedFields:  changed,
		PreviousState:  previous,
	})
	log.WithFields(log.Fields{
		"orderId": o.ID,
		"state":   next,
	}).Info("applied fulfillment update")

	if next == model.FulfillmentShipped && o.ChannelID != nil {
		if _, err = EnqueueCommerceFulfill(ctx, e.queue, o.ID, 0); err != nil {
			return err
		}
	}
	return nil
}

// AllTrackingInfo returns tracking data for every parcel of the order's
// shipment, one entry per package across all notifications.
func (e *Engine) AllTrackingInfo(ctx context.Context, fc *ffn.Client, orderID string) ([]model.TrackingInfo, error) {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.FFNOutboundID == nil || *o.FFNOutboundID == "" {
		return nil, &NoOutboundError{OrderID: orderID}
	}
	notes, err := fc.ShippingNotifications(ctx, *o.FFNOutboundID)
	if err != nil {
		return nil, err
	}
	var out []model.TrackingInfo
	for _, n := range notes {
		for _, pkg := range n.Packages {
			for _, id := range pkg.Identifier {
				if id.Type == "TrackingId" && id.Value != "" {
					out = append(out, model.TrackingInfo{
						TrackingNumber: id.Value,
						Carrier:        pkg.FreightOption,
						TrackingURL:    pkg.TrackingURL,
					})
					break
				}
			}
		}
	}
	return out, nil
}

// CancelInFFN cancels the order's outbound and records the cancellation
// canonically. The fulfillment state moves to CANCELED only when the
// network confirms the outbound is terminally cancelled; a parcel already
// in pack may still ship.
func (e *Engine) CancelInFFN(ctx context.Context, fc *ffn.Client, orderID, cancelledBy, reason string) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.FFNOutboundID == nil || *o.FFNOutboundID == "" {
		return &NoOutboundError{OrderID: orderID}
	}

	res, err := fc.CancelOutbound(ctx, *o.FFNOutboundID)
	if err != nil {
		var msg = err.Error()
		e.appendLog(ctx, &model.OrderSyncLog{
			OrderID:        o.ID,
			Action:         model.ActionCancel,
			Origin:         model.OriginInternal,
			TargetPlatform: "ffn",
			Success:        false,
			ErrorMessage:   &msg,
		})
		return err
	}

	var before = snapshot(o)
	var now = time.Now().UTC()
	o.IsCancelled = true
	o.CancelledAt = &now
	o.CancelledBy = &cancelledBy
	if reason != "" {
		o.CancellationReason = &reason
	}
	if res.Status == ffn.OutboundStatusCancelled && o.FulfillmentState.Advances(model.FulfillmentCanceled) {
		o.FulfillmentState = model.FulfillmentCanceled
	}
	if err = e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	var changed, previous = diffFields(before, o)
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionCancel,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        true,
		ExternalID:     o.FFNOutboundID,
		ChangedFields:  changed,
		PreviousState:  previous,
	})
	log.WithFields(log.Fields{
		"orderId":   o.ID,
		"confirmed": res.Status == ffn.OutboundStatusCancelled,
	}).Info("cancelled order in ffn")
	return nil
}

// OperationalUpdate carries the in-flight fields an operator may change
// while the warehouse still accepts them. Nil fields stay untouched.
type OperationalUpdate struct {
	PriorityLevel       *int
	CarrierSelection    *string
	CarrierServiceLevel *string
	ShippingAddress     *model.Address
	WarehouseNotes      *string
	PickingInstructions *string
	PackingInstructions *string
}

// UpdateOperational patches the outbound in flight and mirrors the
// canonical fields. Once the order has shipped or reached a terminal state
// the warehouse no longer accepts changes and NotUpdateableError is
// returned.
func (e *Engine) UpdateOperational(ctx context.Context, fc *ffn.Client, orderID string, upd OperationalUpdate, updatedBy string) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.FulfillmentState {
	case model.FulfillmentShipped, model.FulfillmentInTransit, model.FulfillmentDelivered,
		model.FulfillmentFailedDelivery, model.FulfillmentReturnedToSender, model.FulfillmentCanceled:
		return &NotUpdateableError{CurrentState: o.FulfillmentState}
	}
	if upd.ShippingAddress != nil {
		if err = e.validate.Struct(*upd.ShippingAddress); err != nil {
			return &ValidationError{Detail: "shipping address: " + err.Error()}
		}
	}

	if o.FFNOutboundID != nil && *o.FFNOutboundID != "" {
		var patch = ffn.OutboundPatch{
			Priority:            upd.PriorityLevel,
			CarrierSelection:    upd.CarrierSelection,
			CarrierServiceLevel: upd.CarrierServiceLevel,
			ShippingAddress:     upd.ShippingAddress,
			InternalNote:        upd.WarehouseNotes,
			PickingInstruction:  upd.PickingInstructions,
			PackingInstruction:  upd.PackingInstructions,
		}
		if _, err = fc.UpdateOutbound(ctx, *o.FFNOutboundID, patch); err != nil {
			var msg = err.Error()
			e.appendLog(ctx, &model.OrderSyncLog{
				OrderID:        o.ID,
				Action:         model.ActionUpdate,
				Origin:         model.OriginInternal,
				TargetPlatform: "ffn",
				Success:        false,
				ErrorMessage:   &msg,
			})
			return err
		}
	}

	var before = snapshot(o)
	var now = time.Now().UTC()
	if upd.PriorityLevel != nil {
		o.PriorityLevel = *upd.PriorityLevel
	}
	if upd.ShippingAddress != nil {
		o.ShippingAddress = *upd.ShippingAddress
	}
	o.LastOperationalUpdateBy = &updatedBy
	o.LastOperationalUpdateAt = &now
	if err = e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	var changed, previous = diffFields(before, o)
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionUpdate,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        true,
		ExternalID:     o.FFNOutboundID,
		ChangedFields:  changed,
		PreviousState:  previous,
	})
	return nil
}

// PlaceHold parks the order canonically and mirrors the hold to the
// warehouse by dropping the outbound to the lowest priority with an
// explanatory internal note.
func (e *Engine) PlaceHold(ctx context.Context, fc *ffn.Client, orderID string, reason model.HoldReason, notes, placedBy string) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err = e.store.PlaceOrderHold(ctx, o.ID, reason, placedBy); err != nil {
		return err
	}
	if o.FFNOutboundID != nil && *o.FFNOutboundID != "" {
		var prio = holdPriority
		var note = "HOLD: " + string(reason)
		if notes != "" {
			note += " - " + notes
		}
		_, err = fc.UpdateOutbound(ctx, *o.FFNOutboundID, ffn.OutboundPatch{
			Priority:     &prio,
			InternalNote: &note,
		})
		if err != nil {
			return err
		}
	}
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionHold,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        true,
		ChangedFields:  mustJSON([]string{"isOnHold", "holdReason"}),
	})
	log.WithFields(log.Fields{"orderId": o.ID, "reason": reason}).Info("order held")
	return nil
}

// ReleaseHold lifts a hold and restores the outbound priority. Manual
// release of a payment hold additionally arms the payment override so the
// gate stops blocking, and dispatches the order if it never reached the
// network.
func (e *Engine) ReleaseHold(ctx context.Context, fc *ffn.Client, orderID, releasedBy string) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.IsOnHold {
		return nil
	}
	var wasPaymentHold = o.OnPaymentHold()

	if err = e.store.ReleaseOrderHold(ctx, o.ID, releasedBy, wasPaymentHold); err != nil {
		return err
	}
	if o.FFNOutboundID != nil && *o.FFNOutboundID != "" {
		var prio = 0
		if _, err = fc.UpdateOutbound(ctx, *o.FFNOutboundID, ffn.OutboundPatch{Priority: &prio}); err != nil {
			return err
		}
	}

	if !wasPaymentHold {
		e.appendLog(ctx, &model.OrderSyncLog{
			OrderID:        o.ID,
			Action:         model.ActionReleaseHold,
			Origin:         model.OriginInternal,
			TargetPlatform: "ffn",
			Success:        true,
			ChangedFields:  mustJSON([]string{"isOnHold", "holdReleasedAt", "holdReleasedBy"}),
		})
		return nil
	}

	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionPaymentHoldReleased,
		Origin:         model.OriginInternal,
		TargetPlatform: "ffn",
		Success:        true,
		ChangedFields:  mustJSON([]string{"isOnHold", "holdReleasedAt", "holdReleasedBy", "paymentHoldOverride"}),
		PreviousState: mustJSON(map[string]any{
			"holdReason":    o.HoldReason,
			"paymentStatus": o.PaymentStatus,
		}),
	})
	log.WithFields(log.Fields{"orderId": o.ID, "releasedBy": releasedBy}).
		Info("payment hold manually released")

	if o.FFNOutboundID == nil || *o.FFNOutboundID == "" {
		if _, err = EnqueueFFNSync(ctx, e.queue, o.ID, 1, false); err != nil {
			return err
		}
	}
	return nil
}

// FulfillInCommerce notifies the origin channel that the order shipped,
// carrying tracking data when the warehouse provided it.
func (e *Engine) FulfillInCommerce(ctx context.Context, cc commerce.Client, orderID string) error {
	var o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.LastSyncedCommerce != nil {
		log.WithField("orderId", o.ID).Debug("channel already fulfilled")
		return nil
	}

	var info model.TrackingInfo
	if o.TrackingNumber != nil {
		info.TrackingNumber = *o.TrackingNumber
	}
	if o.Carrier != nil {
		info.Carrier = *o.Carrier
	}
	if o.TrackingURL != nil {
		info.TrackingURL = *o.TrackingURL
	}

	err = cc.CreateFulfillment(ctx, o.ExternalOrderID, commerce.Fulfillment{
		Items:          o.Items,
		Tracking:       info,
		NotifyCustomer: true,
	})
	if err != nil {
		if markErr := e.store.MarkOrderCommerceSyncError(ctx, o.ID, err.Error()); markErr != nil {
			log.WithError(markErr).WithField("orderId", o.ID).Warn("failed to record commerce error")
		}
		var msg = err.Error()
		e.appendLog(ctx, &model.OrderSyncLog{
			OrderID:        o.ID,
			Action:         model.ActionFulfill,
			Origin:         model.OriginInternal,
			TargetPlatform: "commerce",
			Success:        false,
			ErrorMessage:   &msg,
		})
		return err
	}

	if err = e.store.MarkOrderCommerceSynced(ctx, o.ID); err != nil {
		return err
	}
	e.appendLog(ctx, &model.OrderSyncLog{
		OrderID:        o.ID,
		Action:         model.ActionFulfill,
		Origin:         model.OriginInternal,
		TargetPlatform: "commerce",
		Success:        true,
		ExternalID:     &o.ExternalOrderID,
		ChangedFields:  mustJSON([]string{"lastSyncedToCommerce"}),
	})
	log.WithField("orderId", o.ID).Info("fulfillment propagated to channel")
	return nil
}

// SyncProductToFFN pushes one article to the network. A product already
// known remotely under its merchant SKU is attached rather than recreated;
// a product already attached is updated in place.
func (e *Engine) SyncProductToFFN(ctx context.Context, fc *ffn.Client, productID string) error {
	var p, err = e.store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	var fp = ffn.Product{
		MerchantSKU: p.MerchantSKU,
		Name:        p.Name,
		Weight:      float64(p.WeightGrams) / 1000,
		IsBundle:    p.IsBundle,
	}

	if p.FFNProductID != nil && *p.FFNProductID != "" {
		if _, err = fc.UpdateProduct(ctx, *p.FFNProductID, fp); err != nil {
			return e.failProductSync(ctx, p.ID, err)
		}
		return e.store.MarkProductSynced(ctx, p.ID, *p.FFNProductID)
	}

	jfsku, err := fc.ResolveSKU(ctx, p.MerchantSKU)
	if err != nil {
		return e.failProductSync(ctx, p.ID, err)
	}
	if jfsku == "" {
		created, err := fc.CreateProduct(ctx, fp)
		if err != nil {
			return e.failProductSync(ctx, p.ID, err)
		}
		jfsku = created.JFSKU
	}
	if err = e.store.MarkProductSynced(ctx, p.ID, jfsku); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"productId": p.ID,
		"sku":       p.MerchantSKU,
		"jfsku":     jfsku,
	}).Info("product synced to ffn")
	return nil
}

func (e *Engine) failProductSync(ctx context.Context, productID string, cause error) error {
	if err := e.store.MarkProductSyncError(ctx, productID); err != nil {
		log.WithError(err).WithField("productId", productID).Warn("failed to record product sync error")
	}
	return cause
}

// SyncReturnToFFN announces a customer return to the warehouse as an
// inbound delivery.
func (e *Engine) SyncReturnToFFN(ctx context.Context, fc *ffn.Client, returnID string) error {
	var r, err = e.store.GetReturn(ctx, returnID)
	if err != nil {
		return err
	}
	if r.FFNReturnID != nil && *r.FFNReturnID != "" {
		return nil
	}

	var merchantNumber = r.ExternalRefundID
	if merchantNumber == "" {
		merchantNumber = r.ID
	}
	var in = ffn.Inbound{
		MerchantInboundNumber: merchantNumber,
		Note:                  r.Reason,
	}
	for _, it := range r.Items {
		var item = ffn.InboundItem{MerchantSKU: it.SKU, Quantity: it.Quantity}
		jfsku, err := fc.ResolveSKU(ctx, it.SKU)
		if err != nil {
			return err
		}
		item.JFSKU = jfsku
		in.Items = append(in.Items, item)
	}

	created, err := fc.CreateInbound(ctx, in)
	if err != nil {
		if markErr := e.store.MarkReturnSyncError(ctx, r.ID); markErr != nil {
			log.WithError(markErr).WithField("returnId", r.ID).Warn("failed to record return sync error")
		}
		return err
	}
	if err = e.store.MarkReturnSynced(ctx, r.ID, created.InboundID); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"returnId":  r.ID,
		"inboundId": created.InboundID,
	}).Info("return announced to ffn")
	return nil
}

// mapReturnStatus translates an inbound status from the returns feed.
func mapReturnStatus(status string) (model.ReturnStatus, bool) {
	switch status {
	case "RECEIVED":
		return model.ReturnReceived, true
	case "IN_REVIEW":
		return model.ReturnInspected, true
	case "ACCEPTED", "CLOSED":
		return model.ReturnAccepted, true
	case "REFUNDED":
		return model.ReturnRefunded, true
	}
	return "", false
}

// ApplyReturnUpdate advances a return whose inbound changed remotely.
// Feed entries for inbounds we never announced are ignored.
func (e *Engine) ApplyReturnUpdate(ctx context.Context, clientID string, upd ffn.ReturnUpdate) error {
	var status, ok = mapReturnStatus(upd.Status)
	if !ok {
		return nil
	}
	r, err := e.store.GetReturnByFFNID(ctx, clientID, upd.ReturnID)
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		log.WithFields(log.Fields{
			"clientId": clientID,
			"returnId": upd.ReturnID,
		}).Debug("update for unknown return")
		return nil
	} else if err != nil {
		return err
	}
	if r.Status == status {
		return nil
	}
	if err = e.store.UpdateReturnStatus(ctx, r.ID, status); err != nil {
		return err
	}
	log.WithFields(log.Fields{"returnId": r.ID, "status": status}).Info("return advanced")
	return nil
}

func (e *Engine) appendLog(ctx context.Context, entry *model.OrderSyncLog) {
	if err := e.store.AppendOrderSyncLog(ctx, entry); err != nil {
		log.WithError(err).WithField("orderId", entry.OrderID).Warn("failed to append order sync log")
	}
}

// snapshot freezes an order for later diffing.
func snapshot(o *model.Order) []byte {
	var b, _ = json.Marshal(o)
	return b
}

// diffFields derives the audit record's changed-field list and prior
// values from the order snapshot taken before mutation. Timestamps bumped
// on every write are excluded.
func diffFields(before []byte, after *model.Order) (changed, previous json.RawMessage) {
	var b, err = json.Marshal(after)
	if err != nil || before == nil {
		return nil, nil
	}
	merge, err := jsonpatch.CreateMergePatch(before, b)
	if err != nil {
		return nil, nil
	}
	var delta map[string]json.RawMessage
	if json.Unmarshal(merge, &delta) != nil {
		return nil, nil
	}
	delete(delta, "updatedAt")
	if len(delta) == 0 {
		return nil, nil
	}

	var names = make([]string, 0, len(delta))
	for k := range delta {
		names = append(names, k)
	}
	sort.Strings(names)

	var full map[string]json.RawMessage
	_ = json.Unmarshal(before, &full)
	var prior = make(map[string]json.RawMessage, len(names))
	for _, k := range names {
		if v, ok := full[k]; ok {
			prior[k] = v
		}
	}
	changed = mustJSON(names)
	previous, _ = json.Marshal(prior)
	return changed, previous
}

func mustJSON(v any) json.RawMessage {
	var b, err = json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
