// Package scheduler owns the periodic loops of the sync engine: channel
// polling, fulfillment feed draining, credential refresh and the
// safety-net sweeps that repair whatever drift the event paths missed.
// One process per deployment runs a Supervisor.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/ops"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
)

// Batch ceilings per pass. The loops re-run on their period, so a pass
// never needs to drain a backlog in one go.
const (
	sweepBatch     = 50
	reconcileBatch = 20
)

// feedBackfill bounds the first feed window after a process start.
// Re-read updates land on idempotent appliers.
const feedBackfill = 24 * time.Hour

var loopPassesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_scheduler_passes_total",
	Help: "counter of completed scheduler loop passes",
}, []string{"loop", "outcome"})

// Config carries the loop periods and fan-out bounds. Zero values take
// the defaults in withDefaults.
type Config struct {
	IncrementalEvery  time.Duration
	FullSyncEvery     time.Duration
	FFNUpdatesEvery   time.Duration
	TokenRefreshEvery time.Duration
	StockSyncEvery    time.Duration
	InboundPollEvery  time.Duration
	ReconcileEvery    time.Duration
	SweepEvery        time.Duration
	MaintenanceEvery  time.Duration

	// MaxConcurrentSyncs caps parallel channel processing within a pass;
	// batches of this size run serially with BatchDelay between them to
	// protect the platform APIs.
	MaxConcurrentSyncs int
	BatchDelay         time.Duration
}

func (c Config) withDefaults() Config {
	var def = func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.IncrementalEvery, 5*time.Minute)
	def(&c.FullSyncEvery, 24*time.Hour)
	def(&c.FFNUpdatesEvery, 2*time.Minute)
	def(&c.TokenRefreshEvery, 12*time.Hour)
	def(&c.StockSyncEvery, 15*time.Minute)
	def(&c.InboundPollEvery, 2*time.Minute)
	def(&c.ReconcileEvery, 30*time.Minute)
	def(&c.SweepEvery, 10*time.Minute)
	def(&c.MaintenanceEvery, time.Minute)
	if c.MaxConcurrentSyncs <= 0 {
		c.MaxConcurrentSyncs = 3
	}
	def(&c.BatchDelay, 2*time.Second)
	return c
}

// Supervisor runs every loop until its context is cancelled. Timers stop
// immediately on shutdown; in-flight passes drain.
type Supervisor struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	engine   *lifecycle.Engine
	provider *lifecycle.Provider
	notifier ops.Notifier

	mu      sync.Mutex
	serving map[string]struct{} // channel ids seen by the last refresh
	revoked map[string]struct{} // client ids parked on revoked credentials
	cursors map[string]time.Time
}

func New(cfg Config, st *store.Store, q *queue.Queue, e *lifecycle.Engine, p *lifecycle.Provider) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		store:    st,
		queue:    q,
		engine:   e,
		provider: p,
		notifier: ops.StoreNotifier{Store: st},
		serving:  make(map[string]struct{}),
		revoked:  make(map[string]struct{}),
		cursors:  make(map[string]time.Time),
	}
}

type loop struct {
	name  string
	every time.Duration
	run   func(ctx context.Context, jobID string) error
}

func (s *Supervisor) loops() []loop {
	return []loop{
		{"sync-inc", s.cfg.IncrementalEvery, s.runIncremental},
		{"sync-full", s.cfg.FullSyncEvery, s.runFullSync},
		{"jtl-poll", s.cfg.FFNUpdatesEvery, s.runFFNUpdates},
		{"token-refresh", s.cfg.TokenRefreshEvery, s.runTokenRefresh},
		{"stock-sync", s.cfg.StockSyncEvery, s.runStockSync},
		{"inbound-poll", s.cfg.InboundPollEvery, s.runInboundPoll},
		{"commerce-reconcile", s.cfg.ReconcileEvery, s.runCommerceReconcile},
		{"paid-sweep", s.cfg.SweepEvery, s.runPaidSweep},
		{"queue-maintenance", s.cfg.MaintenanceEvery, s.runQueueMaintenance},
	}
}

// Run blocks until ctx is cancelled and every in-flight pass has
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	var group, gctx = errgroup.WithContext(ctx)
	for _, l := range s.loops() {
		var l = l
		group.Go(func() error {
			s.runLoop(gctx, l)
			return nil
		})
	}
	return group.Wait()
}

// runLoop fires the loop body once per period. The first pass waits a
// full period plus jitter, so a fresh process ramps up instead of firing
// every loop at startup.
func (s *Supervisor) runLoop(ctx context.Context, l loop) {
	var wait = l.every + jitter(l.every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		var jobID = ops.JobID(l.name)
		var pub = ops.NewPublisher(jobID)
		var started = time.Now()
		var err = l.run(ctx, jobID)
		var outcome = "ok"
		var fields = log.Fields{
			"loop": l.name,
			"took": time.Since(started).Round(time.Millisecond),
		}
		if err != nil && ctx.Err() == nil {
			outcome = "error"
			fields["error"] = err
			pub.Warn("loop_pass_failed", fields)
		} else {
			pub.Debug("loop_pass_finished", fields)
		}
		loopPassesCounter.WithLabelValues(l.name, outcome).Inc()
		wait = l.every
	}
}

func jitter(period time.Duration) time.Duration {
	var limit = period / 10
	if limit > time.Minute {
		limit = time.Minute
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// refreshChannels loads the active channel set and diffs it against the
// set served on the previous pass. Tenants parked on revoked credentials
// resume once their configuration row is active again, which is how an
// administrative re-authorization reaches the running process.
func (s *Supervisor) refreshChannels(ctx context.Context) ([]model.Channel, error) {
	var configs, err = s.store.ActiveFFNConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ffn configs: %w", err)
	}
	s.mu.Lock()
	for i := range configs {
		if _, parked := s.revoked[configs[i].ClientID]; parked {
			delete(s.revoked, configs[i].ClientID)
			log.WithField("clientId", configs[i].ClientID).Info("ffn credentials re-authorized, resuming tenant")
		}
	}
	s.mu.Unlock()

	clients, err := s.activeClients(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Channel
	var seen = make(map[string]struct{})
	for i := range clients {
		chans, err := s.store.ActiveChannels(ctx, clients[i].ID)
		if err != nil {
			return nil, fmt.Errorf("listing channels: %w", err)
		}
		for _, ch := range chans {
			seen[ch.ID] = struct{}{}
			out = append(out, ch)
		}
	}

	s.mu.Lock()
	for id := range seen {
		if _, ok := s.serving[id]; !ok {
			log.WithField("channelId", id).Info("channel joined the polling set")
		}
	}
	for id := range s.serving {
		if _, ok := seen[id]; !ok {
			log.WithField("channelId", id).Info("channel left the polling set")
		}
	}
	s.serving = seen
	s.mu.Unlock()
	return out, nil
}

// activeClients lists tenants eligible for work this pass.
func (s *Supervisor) activeClients(ctx context.Context) ([]model.Client, error) {
	var clients, err = s.store.ActiveClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	var out = make([]model.Client, 0, len(clients))
	for _, c := range clients {
		if !s.isRevoked(c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// activeConfigs lists FFN-bound tenants eligible for work this pass.
func (s *Supervisor) activeConfigs(ctx context.Context) ([]model.FFNConfig, error) {
	var configs, err = s.store.ActiveFFNConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ffn configs: %w", err)
	}
	var out = make([]model.FFNConfig, 0, len(configs))
	for _, cfg := range configs {
		if !s.isRevoked(cfg.ClientID) {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *Supervisor) isRevoked(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var _, ok = s.revoked[clientID]
	return ok
}

// tenantFFNFault parks a tenant whose credentials the network revoked:
// the configuration row is deactivated, the cached client evicted, the
// operator notified, and every loop skips the tenant until the row is
// re-authorized.
func (s *Supervisor) tenantFFNFault(ctx context.Context, clientID string, err error) {
	var revoked *ffn.TokenRevokedError
	if !errors.As(err, &revoked) {
		return
	}
	if cfg, cfgErr := s.store.FFNConfigForClient(ctx, clientID); cfgErr == nil {
		if deErr := s.store.DeactivateFFNConfig(ctx, cfg.ID); deErr != nil {
			log.WithError(deErr).WithField("clientId", clientID).Warn("failed to deactivate ffn config")
		}
	}
	s.provider.Evict(clientID)
	s.notifier.Notify(ctx, clientID, "error", "ffn_token_revoked",
		"fulfillment network access revoked, reconnect required")
	s.mu.Lock()
	s.revoked[clientID] = struct{}{}
	s.mu.Unlock()
	log.WithField("clientId", clientID).Error("ffn token revoked, tenant parked")
}

// pollWindow returns the next feed window for one tenant. Cursors are
// process local; after a restart the window reaches feedBackfill into the
// past and the idempotent appliers drop whatever was already applied.
func (s *Supervisor) pollWindow(feed, clientID string) (from, to time.Time) {
	to = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.cursors[feed+"|"+clientID]; ok {
		return last.Add(-commerce.PollOverlap), to
	}
	return to.Add(-feedBackfill), to
}

func (s *Supervisor) advanceCursor(feed, clientID string, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[feed+"|"+clientID] = to
}

// recordRun upserts the tenant's cell in the job status matrix.
func (s *Supervisor) recordRun(ctx context.Context, clientID, jobName string, started time.Time, details any, runErr error) {
	var st = &model.CronJobStatus{
		ClientID:   clientID,
		JobName:    jobName,
		LastRunAt:  started.UTC(),
		Success:    runErr == nil,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			st.Details = raw
		}
	}
	if runErr != nil {
		var msg = shorten(runErr.Error(), 200)
		st.Error = &msg
	}
	if err := s.store.UpsertCronStatus(ctx, st); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"clientId": clientID,
			"job":      jobName,
		}).Warn("failed to record cron status")
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
