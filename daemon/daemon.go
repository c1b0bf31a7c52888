// Package daemon assembles a bridge process from its parts: the webhook
// ingress, the queue worker pool and, on processes carrying the scheduler
// role, the periodic sync loops.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/ingest"
	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/ops"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/scheduler"
	"github.com/parcelry/bridge/store"
	"github.com/parcelry/bridge/vault"
)

// Process roles. Every process serves webhooks and works the queues;
// exactly one process per deployment should carry the scheduler role, as
// the loops assume they are not racing a twin.
const (
	RoleWorker    = "worker"
	RoleScheduler = "scheduler"
)

// shutdownGrace bounds how long a stopping process waits on in-flight
// webhook requests.
const shutdownGrace = 15 * time.Second

// Config is the complete configuration of a bridge process, populated by
// go-flags from flags and environment.
type Config struct {
	Database struct {
		URL string `long:"url" env:"DATABASE_URL" required:"true" description:"Database connection string. postgres:// selects Postgres; anything else opens SQLite"`
	} `group:"Database" namespace:"db"`

	Vault struct {
		Key string `long:"key" env:"ENCRYPTION_KEY" required:"true" description:"Hex-encoded 32-byte AES key sealing stored tenant credentials"`
	} `group:"Vault" namespace:"vault"`

	FFN struct {
		Environment string `long:"environment" env:"FFN_ENV" default:"sandbox" choice:"sandbox" choice:"production" description:"Fulfillment network environment for tenants that do not pin one"`
	} `group:"Fulfillment network" namespace:"ffn"`

	Serve struct {
		Addr string `long:"addr" env:"SERVE_ADDR" default:":8080" description:"Listen address of the webhook ingress"`
		Role string `long:"role" env:"PROCESS_ROLE" default:"worker" choice:"worker" choice:"scheduler" description:"Scheduler processes additionally run the periodic sync loops"`
	} `group:"Serve" namespace:"serve"`

	Worker struct {
		Poll        time.Duration `long:"poll" env:"WORKER_POLL" default:"2s" description:"Queue claim poll interval"`
		Concurrency int           `long:"concurrency" env:"WORKER_CONCURRENCY" default:"2" description:"Claim loops per queue"`
	} `group:"Worker" namespace:"worker"`

	Sync struct {
		IncrementalEvery   time.Duration `long:"incremental-every" env:"SYNC_INCREMENTAL_EVERY" default:"5m" description:"Incremental channel sync period"`
		FullEvery          time.Duration `long:"full-every" env:"SYNC_FULL_EVERY" default:"24h" description:"Full channel sync period"`
		UpdatesEvery       time.Duration `long:"updates-every" env:"SYNC_UPDATES_EVERY" default:"2m" description:"Fulfillment feed poll period"`
		TokenRefreshEvery  time.Duration `long:"token-refresh-every" env:"SYNC_TOKEN_REFRESH_EVERY" default:"12h" description:"Proactive credential refresh period"`
		StockEvery         time.Duration `long:"stock-every" env:"SYNC_STOCK_EVERY" default:"15m" description:"Warehouse stock reconcile period"`
		InboundEvery       time.Duration `long:"inbound-every" env:"SYNC_INBOUND_EVERY" default:"2m" description:"Inbound feed poll period"`
		ReconcileEvery     time.Duration `long:"reconcile-every" env:"SYNC_RECONCILE_EVERY" default:"30m" description:"Commerce reconcile period"`
		SweepEvery         time.Duration `long:"sweep-every" env:"SYNC_SWEEP_EVERY" default:"10m" description:"Paid work sweep period"`
		MaxConcurrentSyncs int           `long:"max-concurrent" env:"SYNC_MAX_CONCURRENT" default:"3" description:"Channels synced in parallel per batch"`
	} `group:"Sync loops" namespace:"sync"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// InitLog configures the global logger from the parsed configuration.
func InitLog(cfg *Config) {
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		IncrementalEvery:   c.Sync.IncrementalEvery,
		FullSyncEvery:      c.Sync.FullEvery,
		FFNUpdatesEvery:    c.Sync.UpdatesEvery,
		TokenRefreshEvery:  c.Sync.TokenRefreshEvery,
		StockSyncEvery:     c.Sync.StockEvery,
		InboundPollEvery:   c.Sync.InboundEvery,
		ReconcileEvery:     c.Sync.ReconcileEvery,
		SweepEvery:         c.Sync.SweepEvery,
		MaxConcurrentSyncs: c.Sync.MaxConcurrentSyncs,
	}
}

// Run wires every component and blocks until ctx is cancelled and the
// process has drained. Shutdown is staged: the ingress stops accepting
// first, then the scheduler loops finish their passes, then the workers
// finish their leased jobs, and the store closes last.
func Run(ctx context.Context, cfg Config) error {
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return fmt.Errorf("building credential vault: %w", err)
	}
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()
	if err = st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	var q = queue.New(st.DB())
	var engine = lifecycle.NewEngine(st, q)
	var provider = lifecycle.NewProvider(st, v,
		lifecycle.WithDefaultEnvironment(cfg.FFN.Environment))

	probeFFN(ctx, st, provider)

	ingress, err := ingest.NewServer(st, v, q)
	if err != nil {
		return fmt.Errorf("building ingress server: %w", err)
	}
	prometheus.MustRegister(ops.NewQueueDepthCollector(q))

	var pool = queue.NewPool(q, cfg.Worker.Poll)
	lifecycle.RegisterHandlers(pool, engine, provider, cfg.Worker.Concurrency)

	var workCtx, stopWork = context.WithCancel(context.Background())
	defer stopWork()
	var workDone = make(chan error, 1)
	go func() { workDone <- pool.Run(workCtx) }()

	var schedDone chan error
	var stopSched context.CancelFunc = func() {}
	if cfg.Serve.Role == RoleScheduler {
		var schedCtx context.Context
		schedCtx, stopSched = context.WithCancel(context.Background())
		var sup = scheduler.New(cfg.schedulerConfig(), st, q, engine, provider)
		schedDone = make(chan error, 1)
		go func() { schedDone <- sup.Run(schedCtx) }()
	}
	defer stopSched()

	var httpServer = &http.Server{Addr: cfg.Serve.Addr, Handler: ingress}
	var serveDone = make(chan error, 1)
	go func() { serveDone <- httpServer.ListenAndServe() }()

	log.WithFields(log.Fields{
		"addr": cfg.Serve.Addr,
		"role": cfg.Serve.Role,
	}).Info("bridge started")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveDone:
		// ListenAndServe returns only on failure here; Shutdown below is
		// then a no-op.
		runErr = fmt.Errorf("ingress server: %w", err)
	}

	log.Info("shutting down")
	var grace, cancel = context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(grace); err != nil {
		log.WithError(err).Warn("ingress shutdown incomplete")
	}
	if schedDone != nil {
		stopSched()
		if err := <-schedDone; err != nil {
			log.WithError(err).Warn("scheduler stopped with error")
		}
	}
	stopWork()
	if err := <-workDone; err != nil {
		log.WithError(err).Warn("worker pool stopped with error")
	}
	return runErr
}

// probeFFN exercises each active tenant's credentials once with a
// side-effect-free call. A failing tenant logs and the process boots
// anyway; ongoing credential state belongs to the scheduler and the
// handlers.
func probeFFN(ctx context.Context, st *store.Store, p *lifecycle.Provider) {
	var configs, err = st.ActiveFFNConfigs(ctx)
	if err != nil {
		log.WithError(err).Warn("skipping ffn connectivity probe")
		return
	}
	for i := range configs {
		var clientID = configs[i].ClientID
		fc, err := p.FFN(ctx, clientID)
		if err == nil {
			_, err = fc.Fulfillers(ctx)
		}
		if err != nil {
			log.WithError(err).WithField("clientId", clientID).Warn("ffn connectivity probe failed")
			continue
		}
		log.WithField("clientId", clientID).Debug("ffn connectivity verified")
	}
}
