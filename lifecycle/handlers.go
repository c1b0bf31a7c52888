package lifecycle

import (
	"context"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/ops"
	"github.com/parcelry/bridge/queue"
)

// Handlers consumes the lifecycle queues. Each handler resolves the tenant
// clients it needs per job, so a revoked or reconfigured tenant takes
// effect on the very next job.
type Handlers struct {
	engine   *Engine
	provider *Provider
}

// RegisterHandlers binds the four lifecycle queues to the pool. Order
// queues get the full sync concurrency; catalog and return traffic is
// lighter and runs narrower.
func RegisterHandlers(pool *queue.Pool, e *Engine, p *Provider, concurrency int) {
	if concurrency <= 0 {
		concurrency = 3
	}
	var h = &Handlers{engine: e, provider: p}
	pool.Handle(QueueOrderSyncToFFN, concurrency, h.orderSync)
	pool.Handle(QueueOrderSyncToCommerce, concurrency, h.commerceFulfill)
	pool.Handle(QueueProductSyncToFFN, 2, h.productSync)
	pool.Handle(QueueReturnSyncToFFN, 2, h.returnSync)
}

func (h *Handlers) orderSync(ctx context.Context, job *queue.Job) error {
	var payload OrderSyncJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ValidationError{Detail: "order sync payload: " + err.Error()}
	}
	o, err := h.engine.store.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	fc, err := h.provider.FFN(ctx, o.ClientID)
	if err != nil {
		return h.tenantFault(ctx, o.ClientID, err)
	}
	if payload.Cancel {
		if err = h.engine.CancelInFFN(ctx, fc, payload.OrderID, payload.CancelledBy, payload.Reason); err != nil {
			return h.tenantFault(ctx, o.ClientID, err)
		}
		return nil
	}
	if err = h.engine.SyncOrderToFFN(ctx, fc, payload.OrderID, payload.Force); err != nil {
		return h.tenantFault(ctx, o.ClientID, err)
	}
	return nil
}

func (h *Handlers) commerceFulfill(ctx context.Context, job *queue.Job) error {
	var payload CommerceFulfillJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ValidationError{Detail: "commerce fulfill payload: " + err.Error()}
	}
	o, err := h.engine.store.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if o.ChannelID == nil {
		log.WithField("orderId", o.ID).Info("order has no channel, nothing to fulfill")
		return nil
	}
	ch, err := h.engine.store.GetChannel(ctx, *o.ChannelID)
	if err != nil {
		return err
	}
	cc, err := h.provider.Commerce(ch)
	if err != nil {
		return err
	}
	return h.engine.FulfillInCommerce(ctx, cc, o.ID)
}

func (h *Handlers) productSync(ctx context.Context, job *queue.Job) error {
	var payload ProductSyncJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ValidationError{Detail: "product sync payload: " + err.Error()}
	}
	p, err := h.engine.store.GetProduct(ctx, payload.ProductID)
	if err != nil {
		return err
	}
	fc, err := h.provider.FFN(ctx, p.ClientID)
	if err != nil {
		return h.tenantFault(ctx, p.ClientID, err)
	}
	if err = h.engine.SyncProductToFFN(ctx, fc, payload.ProductID); err != nil {
		return h.tenantFault(ctx, p.ClientID, err)
	}
	return nil
}

func (h *Handlers) returnSync(ctx context.Context, job *queue.Job) error {
	var payload ReturnSyncJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ValidationError{Detail: "return sync payload: " + err.Error()}
	}
	r, err := h.engine.store.GetReturn(ctx, payload.ReturnID)
	if err != nil {
		return err
	}
	fc, err := h.provider.FFN(ctx, r.ClientID)
	if err != nil {
		return h.tenantFault(ctx, r.ClientID, err)
	}
	if err = h.engine.SyncReturnToFFN(ctx, fc, payload.ReturnID); err != nil {
		return h.tenantFault(ctx, r.ClientID, err)
	}
	return nil
}

// tenantFault reacts to tenant-level configuration failures before handing
// the error back for retry classification. A revoked refresh token parks
// the configuration so no further jobs burn against a dead credential; the
// operator reconnects via notification.
func (h *Handlers) tenantFault(ctx context.Context, clientID string, err error) error {
	var revoked *ffn.TokenRevokedError
	if errors.As(err, &revoked) {
		if cfg, cfgErr := h.engine.store.FFNConfigForClient(ctx, clientID); cfgErr == nil {
			if deErr := h.engine.store.DeactivateFFNConfig(ctx, cfg.ID); deErr != nil {
				log.WithError(deErr).WithField("clientId", clientID).Warn("failed to deactivate ffn config")
			}
		}
		h.provider.Evict(clientID)
		h.notify(ctx, clientID, "error", "ffn_token_revoked",
			"fulfillment network access revoked, reconnect required")
		return err
	}

	var missingCreds *ffn.MissingCredentialsError
	var missingWarehouse *MissingWarehouseError
	if errors.As(err, &missingCreds) || errors.As(err, &missingWarehouse) {
		h.notify(ctx, clientID, "error", "ffn_config_incomplete", err.Error())
	}
	return err
}

func (h *Handlers) notify(ctx context.Context, clientID, severity, kind, message string) {
	ops.StoreNotifier{Store: h.engine.store}.Notify(ctx, clientID, severity, kind, message)
}
