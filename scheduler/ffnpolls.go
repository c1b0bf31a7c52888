package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/ops"
	"github.com/parcelry/bridge/store"
)

// updateTally summarizes one tenant's feed drain.
type updateTally struct {
	Outbounds int `json:"outbounds"`
	Returns   int `json:"returns"`
	Errors    int `json:"errors"`
}

// runFFNUpdates drains the outbound and return update feeds for every
// FFN-bound tenant and applies each entry to the local order book. The
// job status matrix records this loop as jtl-poll.
func (s *Supervisor) runFFNUpdates(ctx context.Context, jobID string) error {
	var pub = ops.NewPublisher(jobID)
	var configs, err = s.activeConfigs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range configs {
		var clientID = configs[i].ClientID
		var started = time.Now()
		stats, err := s.drainFFNUpdates(ctx, pub, clientID)
		s.recordRun(ctx, clientID, "jtl-poll", started, stats, err)
		if err != nil {
			failed++
			s.tenantFFNFault(ctx, clientID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to poll updates", failed, len(configs))
	}
	return nil
}

// drainFFNUpdates reads both feeds over the tenant's window. The cursor
// only advances when every entry applied, so a partial failure replays
// the same window on the next tick.
func (s *Supervisor) drainFFNUpdates(ctx context.Context, pub *ops.Publisher, clientID string) (*updateTally, error) {
	var fc, err = s.provider.FFN(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var from, to = s.pollWindow("jtl-poll", clientID)
	var tally = updateTally{}

	outbounds, err := fc.OutboundUpdates(ctx, from, to)
	if err != nil {
		return &tally, fmt.Errorf("listing outbound updates: %w", err)
	}
	for _, upd := range outbounds {
		if err := s.engine.ApplyFFNUpdate(ctx, fc, clientID, upd); err != nil {
			tally.Errors++
			pub.Warn("ffn_update_apply_failed", log.Fields{
				"clientId":   clientID,
				"outboundId": upd.OutboundID,
				"error":      err,
			})
			continue
		}
		tally.Outbounds++
	}

	returns, err := fc.ReturnUpdates(ctx, from, to)
	if err != nil {
		return &tally, fmt.Errorf("listing return updates: %w", err)
	}
	for _, upd := range returns {
		if err := s.engine.ApplyReturnUpdate(ctx, clientID, upd); err != nil {
			tally.Errors++
			pub.Warn("ffn_update_apply_failed", log.Fields{
				"clientId": clientID,
				"returnId": upd.ReturnID,
				"error":    err,
			})
			continue
		}
		tally.Returns++
	}

	if tally.Errors > 0 {
		return &tally, fmt.Errorf("%d updates failed to apply", tally.Errors)
	}
	s.advanceCursor("jtl-poll", clientID, to)
	if tally.Outbounds > 0 || tally.Returns > 0 {
		pub.Debug("ffn_updates_drained", log.Fields{
			"clientId":  clientID,
			"outbounds": tally.Outbounds,
			"returns":   tally.Returns,
		})
	}
	return &tally, nil
}

// runTokenRefresh rotates each tenant's grant ahead of expiry. Tenants
// whose configuration lacks a refresh token authenticate per request and
// are skipped.
func (s *Supervisor) runTokenRefresh(ctx context.Context, jobID string) error {
	var configs, err = s.activeConfigs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range configs {
		if !configs[i].HasRefreshToken() {
			continue
		}
		var clientID = configs[i].ClientID
		var started = time.Now()
		var err = s.refreshTenantToken(ctx, clientID)
		s.recordRun(ctx, clientID, "token-refresh", started, nil, err)
		if err != nil {
			failed++
			s.tenantFFNFault(ctx, clientID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to refresh", failed, len(configs))
	}
	return nil
}

// refreshTenantToken exchanges the grant through the tenant's shared
// token source. Building the client first covers tenants the process has
// not served yet.
func (s *Supervisor) refreshTenantToken(ctx context.Context, clientID string) error {
	var ts, ok = s.provider.Tokens(clientID)
	if !ok {
		if _, err := s.provider.FFN(ctx, clientID); err != nil {
			return err
		}
		if ts, ok = s.provider.Tokens(clientID); !ok {
			return fmt.Errorf("no token source for client %s", clientID)
		}
	}
	return ts.Refresh(ctx)
}

// stockTally summarizes one tenant's stock reconciliation.
type stockTally struct {
	Products int `json:"products"`
	Drifted  int `json:"drifted"`
	Unknown  int `json:"unknownSkus"`
}

// runStockSync overwrites local stock levels with the warehouse counts.
func (s *Supervisor) runStockSync(ctx context.Context, jobID string) error {
	var pub = ops.NewPublisher(jobID)
	var configs, err = s.activeConfigs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range configs {
		var clientID = configs[i].ClientID
		var started = time.Now()
		stats, err := s.reconcileStocks(ctx, pub, clientID)
		s.recordRun(ctx, clientID, "stock-sync", started, stats, err)
		if err != nil {
			failed++
			s.tenantFFNFault(ctx, clientID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to sync stocks", failed, len(configs))
	}
	return nil
}

// reconcileStocks loads the tenant warehouse counts and writes back any
// row that drifted. Records are matched by FFN product id first and
// merchant SKU second; records matching neither are counted and skipped.
func (s *Supervisor) reconcileStocks(ctx context.Context, pub *ops.Publisher, clientID string) (*stockTally, error) {
	var fc, err = s.provider.FFN(ctx, clientID)
	if err != nil {
		return nil, err
	}
	stocks, err := fc.WarehouseStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing warehouse stocks: %w", err)
	}
	var tally = stockTally{}
	for _, rec := range stocks {
		p, err := s.lookupStockProduct(ctx, clientID, rec)
		if err != nil {
			var nf *store.NotFoundError
			if errors.As(err, &nf) {
				tally.Unknown++
				continue
			}
			return &tally, err
		}
		tally.Products++
		if p.StockAvail == rec.StockLevel && p.StockReserved == rec.StockLevelBlocked {
			continue
		}
		if err := s.store.UpdateProductStock(ctx, p.ID, rec.StockLevel, rec.StockLevelBlocked); err != nil {
			return &tally, fmt.Errorf("storing stock for product %s: %w", p.ID, err)
		}
		tally.Drifted++
	}
	if tally.Drifted > 0 || tally.Unknown > 0 {
		pub.Info("stock_levels_reconciled", log.Fields{
			"clientId":    clientID,
			"products":    tally.Products,
			"drifted":     tally.Drifted,
			"unknownSkus": tally.Unknown,
		})
	}
	return &tally, nil
}

func (s *Supervisor) lookupStockProduct(ctx context.Context, clientID string, rec ffn.Stock) (*model.Product, error) {
	if rec.JFSKU != "" {
		p, err := s.store.GetProductByFFNID(ctx, clientID, rec.JFSKU)
		if err == nil {
			return p, nil
		}
		var nf *store.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	return s.store.GetProductBySKU(ctx, clientID, rec.MerchantSKU)
}

// runInboundPoll watches the goods-in feed. A closed inbound means the
// warehouse booked new units, so stock reconciliation runs right away
// instead of waiting for its own timer.
func (s *Supervisor) runInboundPoll(ctx context.Context, jobID string) error {
	var pub = ops.NewPublisher(jobID)
	var configs, err = s.activeConfigs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range configs {
		var clientID = configs[i].ClientID
		var started = time.Now()
		closed, err := s.pollInbounds(ctx, pub, clientID)
		s.recordRun(ctx, clientID, "inbound-poll", started, map[string]int{"closedInbounds": closed}, err)
		if err != nil {
			failed++
			s.tenantFFNFault(ctx, clientID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to poll inbounds", failed, len(configs))
	}
	return nil
}

// pollInbounds advances the cursor only after any triggered stock
// reconciliation succeeded, so a failed reconciliation re-sees the
// closing entries on the next tick.
func (s *Supervisor) pollInbounds(ctx context.Context, pub *ops.Publisher, clientID string) (int, error) {
	var fc, err = s.provider.FFN(ctx, clientID)
	if err != nil {
		return 0, err
	}
	var from, to = s.pollWindow("inbound-poll", clientID)
	updates, err := fc.InboundUpdates(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("listing inbound updates: %w", err)
	}
	var closed int
	for _, upd := range updates {
		if upd.Status == ffn.InboundStatusClosed {
			closed++
		}
	}
	if closed > 0 {
		pub.Info("inbounds_closed", log.Fields{
			"clientId":       clientID,
			"closedInbounds": closed,
		})
		if _, err := s.reconcileStocks(ctx, pub, clientID); err != nil {
			return closed, fmt.Errorf("reconciling stocks after inbound close: %w", err)
		}
	}
	s.advanceCursor("inbound-poll", clientID, to)
	return closed, nil
}
