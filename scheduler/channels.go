package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/ops"
)

// channelOutcome is one channel's share of a sync pass.
type channelOutcome struct {
	clientID string
	orders   int
	products int
	err      error
}

func (s *Supervisor) runIncremental(ctx context.Context, jobID string) error {
	return s.syncChannels(ctx, jobID, false)
}

func (s *Supervisor) runFullSync(ctx context.Context, jobID string) error {
	return s.syncChannels(ctx, jobID, true)
}

// syncChannels walks every active channel and pulls changed orders and
// products from its platform. Channels run MaxConcurrentSyncs at a time
// with BatchDelay between batches. A full pass ignores the stored
// cursors and re-reads everything the platform still serves.
func (s *Supervisor) syncChannels(ctx context.Context, jobID string, full bool) error {
	var started = time.Now()
	var pub = ops.NewPublisher(jobID)
	var jobName = "sync-inc"
	if full {
		jobName = "sync-full"
	}

	channels, err := s.refreshChannels(ctx)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	var outcomes = make([]channelOutcome, len(channels))
	for at := 0; at < len(channels); at += s.cfg.MaxConcurrentSyncs {
		var end = at + s.cfg.MaxConcurrentSyncs
		if end > len(channels) {
			end = len(channels)
		}
		var grp = errgroup.Group{}
		for i := at; i < end; i++ {
			var i = i
			grp.Go(func() error {
				outcomes[i] = s.syncChannel(ctx, pub, channels[i], full)
				return nil
			})
		}
		_ = grp.Wait()
		if end < len(channels) && !sleepCtx(ctx, s.cfg.BatchDelay) {
			break
		}
	}

	type tenantTally struct {
		Channels int `json:"channels"`
		Orders   int `json:"orders"`
		Products int `json:"products"`
	}
	var tallies = make(map[string]*tenantTally)
	var faults = make(map[string]error)
	var tenants []string
	for _, oc := range outcomes {
		if oc.clientID == "" {
			continue
		}
		tally, ok := tallies[oc.clientID]
		if !ok {
			tally = &tenantTally{}
			tallies[oc.clientID] = tally
			tenants = append(tenants, oc.clientID)
		}
		tally.Channels++
		tally.Orders += oc.orders
		tally.Products += oc.products
		if oc.err != nil && faults[oc.clientID] == nil {
			faults[oc.clientID] = oc.err
		}
	}

	var failed int
	for _, clientID := range tenants {
		s.recordRun(ctx, clientID, jobName, started, tallies[clientID], faults[clientID])
		if faults[clientID] != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to sync", failed, len(tenants))
	}
	return nil
}

// syncChannel pulls one channel's orders and products. The stored poll
// cursor only advances after a clean pass, so a failed listing replays
// from the same point on the next tick.
func (s *Supervisor) syncChannel(ctx context.Context, pub *ops.Publisher, ch model.Channel, full bool) channelOutcome {
	var out = channelOutcome{clientID: ch.ClientID}
	var client, err = s.provider.Commerce(&ch)
	if err != nil {
		out.err = fmt.Errorf("building channel client: %w", err)
		pub.Warn("channel_sync_failed", log.Fields{"channelId": ch.ID, "error": err})
		return out
	}

	// Capture the cursor before listing; changes landing mid-pass fall
	// into the next window.
	var cursorAt = time.Now().UTC()
	var orderSince, productSince time.Time
	if !full {
		orderSince = commerce.SinceCursor(ch.LastOrderPollAt)
		productSince = commerce.SinceCursor(ch.LastProductPollAt)
	}

	orders, err := client.ListOrdersSince(ctx, orderSince)
	if err != nil {
		out.err = fmt.Errorf("listing orders: %w", err)
		pub.Warn("channel_sync_failed", log.Fields{"channelId": ch.ID, "error": err})
		return out
	}
	for i := range orders {
		if _, err := s.engine.ApplyChannelOrder(ctx, &ch, &orders[i]); err != nil {
			out.err = fmt.Errorf("applying order %s: %w", orders[i].ExternalOrderID, err)
			pub.Warn("channel_sync_failed", log.Fields{"channelId": ch.ID, "error": out.err})
			return out
		}
		out.orders++
	}
	if err := s.store.SetChannelOrderCursor(ctx, ch.ID, cursorAt); err != nil {
		out.err = fmt.Errorf("storing order cursor: %w", err)
		return out
	}

	products, err := client.ListProductsSince(ctx, productSince)
	if err != nil {
		out.err = fmt.Errorf("listing products: %w", err)
		pub.Warn("channel_sync_failed", log.Fields{"channelId": ch.ID, "error": err})
		return out
	}
	for i := range products {
		if err := s.engine.ApplyChannelProduct(ctx, &ch, &products[i]); err != nil {
			out.err = fmt.Errorf("applying product %s: %w", products[i].ExternalProductID, err)
			pub.Warn("channel_sync_failed", log.Fields{"channelId": ch.ID, "error": out.err})
			return out
		}
		out.products++
	}
	if err := s.store.SetChannelProductCursor(ctx, ch.ID, cursorAt); err != nil {
		out.err = fmt.Errorf("storing product cursor: %w", err)
		return out
	}

	pub.Debug("channel_synced", log.Fields{
		"channelId": ch.ID,
		"orders":    out.orders,
		"products":  out.products,
	})
	return out
}
