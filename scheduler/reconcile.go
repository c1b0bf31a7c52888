package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/ops"
)

// runCommerceReconcile re-enqueues shipped orders whose platform never
// acknowledged the fulfillment write-back. Oldest first, a small batch
// per tenant per pass; the loop period drains larger backlogs over time.
func (s *Supervisor) runCommerceReconcile(ctx context.Context, jobID string) error {
	var pub = ops.NewPublisher(jobID)
	var clients, err = s.activeClients(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range clients {
		var clientID = clients[i].ID
		var started = time.Now()
		var tally = struct {
			Candidates int `json:"candidates"`
			Enqueued   int `json:"enqueued"`
		}{}
		orders, err := s.store.ListShippedUnreconciled(ctx, clientID, reconcileBatch)
		if err == nil {
			tally.Candidates = len(orders)
			for j := range orders {
				queued, qErr := lifecycle.EnqueueCommerceFulfill(ctx, s.queue, orders[j].ID, -1)
				if qErr != nil {
					err = fmt.Errorf("enqueueing fulfill for %s: %w", orders[j].ID, qErr)
					break
				}
				if queued {
					tally.Enqueued++
				}
			}
		}
		s.recordRun(ctx, clientID, "commerce-reconcile", started, &tally, err)
		if err != nil {
			failed++
			continue
		}
		if tally.Enqueued > 0 {
			pub.Info("stuck_fulfillments_requeued", log.Fields{
				"clientId": clientID,
				"enqueued": tally.Enqueued,
			})
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to reconcile", failed, len(clients))
	}
	return nil
}

// runPaidSweep is the safety net under the event paths: paid orders that
// never reached the fulfillment network get re-enqueued at low priority,
// as do products and returns stuck in the pending state. Everything it
// queues lands on singleton ids, so rows already in flight are skipped.
func (s *Supervisor) runPaidSweep(ctx context.Context, jobID string) error {
	var pub = ops.NewPublisher(jobID)
	var clients, err = s.activeClients(ctx)
	if err != nil {
		return err
	}
	var failed int
	for i := range clients {
		var clientID = clients[i].ID
		var started = time.Now()
		tally, err := s.sweepTenant(ctx, clientID)
		s.recordRun(ctx, clientID, "paid-sweep", started, tally, err)
		if err != nil {
			failed++
			continue
		}
		if tally.Enqueued > 0 {
			pub.Info("unsynced_work_requeued", log.Fields{
				"clientId": clientID,
				"orders":   tally.Orders,
				"products": tally.Products,
				"returns":  tally.Returns,
				"enqueued": tally.Enqueued,
			})
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to sweep", failed, len(clients))
	}
	return nil
}

type sweepTally struct {
	Orders   int `json:"orders"`
	Products int `json:"products"`
	Returns  int `json:"returns"`
	Enqueued int `json:"enqueued"`
}

func (s *Supervisor) sweepTenant(ctx context.Context, clientID string) (*sweepTally, error) {
	var tally = sweepTally{}

	orders, err := s.store.ListUnsyncedPaidOrders(ctx, clientID, sweepBatch)
	if err != nil {
		return &tally, err
	}
	tally.Orders = len(orders)
	for i := range orders {
		queued, err := lifecycle.EnqueueFFNSync(ctx, s.queue, orders[i].ID, -1, false)
		if err != nil {
			return &tally, fmt.Errorf("enqueueing order sync for %s: %w", orders[i].ID, err)
		}
		if queued {
			tally.Enqueued++
		}
	}

	products, err := s.store.ListProductsPendingSync(ctx, clientID, sweepBatch)
	if err != nil {
		return &tally, err
	}
	tally.Products = len(products)
	for i := range products {
		queued, err := lifecycle.EnqueueProductSync(ctx, s.queue, products[i].ID)
		if err != nil {
			return &tally, fmt.Errorf("enqueueing product sync for %s: %w", products[i].ID, err)
		}
		if queued {
			tally.Enqueued++
		}
	}

	returns, err := s.store.ListReturnsPendingSync(ctx, clientID, sweepBatch)
	if err != nil {
		return &tally, err
	}
	tally.Returns = len(returns)
	for i := range returns {
		queued, err := lifecycle.EnqueueReturnSync(ctx, s.queue, returns[i].ID)
		if err != nil {
			return &tally, fmt.Errorf("enqueueing return sync for %s: %w", returns[i].ID, err)
		}
		if queued {
			tally.Enqueued++
		}
	}
	return &tally, nil
}

// runQueueMaintenance expires overdue leases and archives terminal jobs.
// This is process-wide work, so it records no per-tenant status.
func (s *Supervisor) runQueueMaintenance(ctx context.Context, jobID string) error {
	var expired, archived, err = s.queue.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweeping queue: %w", err)
	}
	if expired > 0 || archived > 0 {
		ops.NewPublisher(jobID).Info("queue_swept", log.Fields{
			"expired":  expired,
			"archived": archived,
		})
	}
	return nil
}
