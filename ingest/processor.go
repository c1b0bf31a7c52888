package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
)

// Processor applies one authenticated webhook event to the store and
// schedules the follow-up queue work. Every handler tolerates replays and
// races against the pollers: the upserts converge on one row and the
// singleton queue keys collapse duplicate jobs.
type Processor struct {
	store  *store.Store
	queue  *queue.Queue
	engine *lifecycle.Engine
}

func NewProcessor(st *store.Store, q *queue.Queue) *Processor {
	return &Processor{store: st, queue: q, engine: lifecycle.NewEngine(st, q)}
}

// topicEvent is a platform topic normalized to a resource and an action.
type topicEvent struct {
	resource string
	action   string
}

// parseTopic normalizes both platforms' topic grammars. The Storefront
// platform writes "orders/create", the Webshop platform "order-created".
func parseTopic(t model.ChannelType, topic string) (topicEvent, error) {
	var resource, action string
	var ok bool
	if t == model.ChannelStorefront {
		resource, action, ok = strings.Cut(topic, "/")
	} else {
		resource, action, ok = strings.Cut(topic, "-")
	}
	if !ok || resource == "" || action == "" {
		return topicEvent{}, &lifecycle.ValidationError{Detail: fmt.Sprintf("unparseable topic %q", topic)}
	}
	resource = strings.TrimSuffix(resource, "s")
	switch action {
	case "created":
		action = "create"
	case "updated":
		action = "update"
	case "deleted":
		action = "delete"
	case "cancel", "cancelled", "canceled":
		action = "cancel"
	}
	return topicEvent{resource: resource, action: action}, nil
}

// Process routes one event. The returned action names what was done and
// goes back to the platform in the acknowledgement body. A
// *lifecycle.ValidationError means the payload can never be applied and
// must be acknowledged rather than retried.
func (p *Processor) Process(ctx context.Context, ch *model.Channel, topic string, body []byte) (string, error) {
	var ev, err = parseTopic(ch.ChannelType, topic)
	if err != nil {
		return "", err
	}
	switch {
	case ev.resource == "order" && (ev.action == "create" || ev.action == "update" || ev.action == "paid"):
		return p.orderUpsert(ctx, ch, body)
	case ev.resource == "order" && (ev.action == "cancel" || ev.action == "delete"):
		return p.orderCancel(ctx, ch, body)
	case ev.resource == "product" && (ev.action == "create" || ev.action == "update"):
		return p.productUpsert(ctx, ch, body)
	case ev.resource == "product" && ev.action == "delete":
		return p.productDelete(ctx, ch, body)
	case ev.resource == "refund" && ev.action == "create":
		return p.refundCreate(ctx, ch, body)
	}
	log.WithFields(log.Fields{"channelId": ch.ID, "topic": topic}).Debug("ignoring webhook topic")
	return "ignored", nil
}

func (p *Processor) orderUpsert(ctx context.Context, ch *model.Channel, body []byte) (string, error) {
	var o *model.Order
	var err error
	if ch.ChannelType == model.ChannelStorefront {
		o, err = commerce.ParseStorefrontOrder(*ch, body)
	} else {
		o, err = commerce.ParseWebshopOrder(*ch, body)
	}
	if err != nil {
		return "", &lifecycle.ValidationError{Detail: err.Error()}
	}
	return p.engine.ApplyChannelOrder(ctx, ch, o)
}

func (p *Processor) orderCancel(ctx context.Context, ch *model.Channel, body []byte) (string, error) {
	var ref struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(body, &ref); err != nil || ref.ID.String() == "" {
		return "", &lifecycle.ValidationError{Detail: "order cancel payload carries no id"}
	}
	o, err := p.store.GetOrderByExternalID(ctx, ch.ClientID, ref.ID.String())
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		return "skipped", nil
	} else if err != nil {
		return "", err
	}
	if o.IsCancelled {
		return "skipped", nil
	}
	if err = p.engine.CancelFromChannel(ctx, ch, o, nil); err != nil {
		return "", err
	}
	return lifecycle.AppliedCancel, nil
}

func (p *Processor) productUpsert(ctx context.Context, ch *model.Channel, body []byte) (string, error) {
	var listings []commerce.ChannelProduct
	if ch.ChannelType == model.ChannelStorefront {
		var err error
		if listings, err = commerce.ParseStorefrontProduct(*ch, body); err != nil {
			return "", &lifecycle.ValidationError{Detail: err.Error()}
		}
	} else {
		var cp, err = commerce.ParseWebshopProduct(*ch, body)
		if err != nil {
			return "", &lifecycle.ValidationError{Detail: err.Error()}
		}
		listings = []commerce.ChannelProduct{*cp}
	}
	if len(listings) == 0 {
		return "ignored", nil
	}

	for i := range listings {
		if err := p.engine.ApplyChannelProduct(ctx, ch, &listings[i]); err != nil {
			return "", err
		}
	}
	log.WithFields(log.Fields{
		"channelId": ch.ID,
		"listings":  len(listings),
	}).Info("upserted products from webhook")
	return "upserted", nil
}

func (p *Processor) productDelete(ctx context.Context, ch *model.Channel, body []byte) (string, error) {
	var ref struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(body, &ref); err != nil || ref.ID.String() == "" {
		return "", &lifecycle.ValidationError{Detail: "product delete payload carries no id"}
	}
	removed, err := p.store.UnlinkProductChannel(ctx, ch.ID, ref.ID.String())
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		return "skipped", nil
	} else if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"channelId":         ch.ID,
		"externalProductId": ref.ID.String(),
		"productRemoved":    removed,
	}).Info("unlinked product from channel")
	return "unlinked", nil
}

func (p *Processor) refundCreate(ctx context.Context, ch *model.Channel, body []byte) (string, error) {
	var r *commerce.ChannelRefund
	var err error
	if ch.ChannelType == model.ChannelStorefront {
		r, err = commerce.ParseStorefrontRefund(body)
	} else {
		r, err = commerce.ParseWebshopRefund(body)
	}
	if err != nil {
		return "", &lifecycle.ValidationError{Detail: err.Error()}
	}
	if len(r.Items) == 0 {
		// Money-only refund, nothing comes back to the warehouse.
		return "ignored", nil
	}

	// The order may not have landed yet if the refund raced its own order
	// webhook; a 5xx makes the platform redeliver after the poller catches
	// up.
	o, err := p.store.GetOrderByExternalID(ctx, ch.ClientID, r.ExternalOrderID)
	if err != nil {
		return "", err
	}
	var ret = &model.Return{
		ClientID:         ch.ClientID,
		OrderID:          o.ID,
		ExternalRefundID: r.ExternalRefundID,
		Reason:           r.Reason,
		Items:            r.Items,
	}
	if _, err = p.store.UpsertReturn(ctx, ret); err != nil {
		return "", err
	}
	if _, err = lifecycle.EnqueueReturnSync(ctx, p.queue, ret.ID); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"orderId":  o.ID,
		"returnId": ret.ID,
		"items":    len(ret.Items),
	}).Info("recorded customer return from refund")
	return "return-created", nil
}
