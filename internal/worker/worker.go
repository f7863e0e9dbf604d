// Package worker is the per-tenant process runtime behind cmd/tenantd. One
// Runtime owns a single tenant's agents (poller, sync, guardian, alerter),
// the queue consumers feeding them, and the IPC conversation with the
// orchestrator over stdin and stdout. The process boots, waits for init,
// announces ready, and from then on is driven by queue jobs, timers, and
// parent commands until shutdown or a closed pipe.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/channel"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/notify"
	asynqadp "github.com/mkesani1/stockclerk-sub002/internal/adapter/queue/asynq"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/agent/alerter"
	"github.com/mkesani1/stockclerk-sub002/internal/agent/guardian"
	"github.com/mkesani1/stockclerk-sub002/internal/agent/syncer"
	"github.com/mkesani1/stockclerk-sub002/internal/agent/watcher"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
	"github.com/mkesani1/stockclerk-sub002/internal/service/bus"
	"github.com/mkesani1/stockclerk-sub002/internal/service/keyedlock"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

// healthProbeTimeout bounds the store pings inside one health report.
const healthProbeTimeout = 5 * time.Second

// syncAgent is the slice of the sync agent the queue handlers invoke.
type syncAgent interface {
	StockChanged(ctx domain.Context, job domain.StockChangedJob) error
	PushUpdate(ctx domain.Context, job domain.PushUpdateJob) error
	FullSync(ctx domain.Context, job domain.FullSyncJob) error
	IncrementalSync(ctx domain.Context, job domain.IncrementalSyncJob) error
	WebhookEvent(ctx domain.Context, ev domain.StockChangeEvent) error
}

// alertAgent evaluates queued alert triggers.
type alertAgent interface {
	Evaluate(ctx domain.Context, job domain.AlertJob) error
}

// reconciler is the guardian as the runtime drives it: a scheduled loop plus
// operator-triggered single passes.
type reconciler interface {
	Run(ctx context.Context, autoRepair bool)
	Pass(ctx context.Context, autoRepair bool) (guardian.Summary, error)
}

// runner is a background loop bound to its context.
type runner interface {
	Run(ctx context.Context)
}

// consumers is the queue server set as the runtime drives it.
type consumers interface {
	HandleFunc(class, taskType string, h func(context.Context, *asynq.Task) error)
	Start() error
	Shutdown()
}

// depthProbe samples outstanding jobs per queue class.
type depthProbe interface {
	Depths() map[string]int
}

// pinger is a liveness probe on one backing store.
type pinger interface {
	Ping(ctx context.Context) error
}

// redisPinger adapts go-redis's command-style Ping to the pinger probe.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// Runtime is one tenant's assembled worker process state.
type Runtime struct {
	cfg      config.Config
	tenantID string

	pool  *pgxpool.Pool
	rdb   *redis.Client
	queue domain.Queue

	channels domain.ChannelRepository
	mappings domain.MappingRepository
	rules    domain.AlertRuleRepository

	bus    *bus.Bus
	sync   syncAgent
	alert  alertAgent
	recon  reconciler
	poll   runner
	depths depthProbe

	// servers stays nil until init arrives; the parent may override the
	// per-class concurrency there.
	servers consumers

	in  *ipc.Reader
	out *ipc.Writer

	dbPing    pinger
	redisPing pinger

	log *slog.Logger
}

// New assembles a tenant runtime from configuration: connects the DB pool and
// Redis, builds repos, providers, and agents. Queue consumers are deferred to
// Run, which learns their concurrency from init. sink may be nil; when set,
// every bus event is mirrored to it.
func New(ctx context.Context, cfg config.Config, sink domain.EventSink, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("op=worker.New: %w: TENANT_ID is required", domain.ErrInvalidArgument)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("op=worker.New: %w", err)
	}
	ropt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=worker.New: %w", err)
	}
	rdb := redis.NewClient(ropt)

	queueClient, err := asynqadp.New(cfg.RedisURL, cfg.QueuePrefix)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=worker.New: %w", err)
	}
	insp, err := asynqadp.NewInspector(cfg.RedisURL, cfg.QueuePrefix, cfg.TenantID)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=worker.New: %w", err)
	}

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		box, err = secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=worker.New: %w", err)
		}
	}

	products := postgres.NewProductRepo(pool)
	mappings := postgres.NewMappingRepo(pool)
	channels := postgres.NewChannelRepo(pool)
	events := postgres.NewSyncEventRepo(pool)
	alerts := postgres.NewAlertRepo(pool)
	rules := postgres.NewAlertRuleRepo(pool)

	limiter := ratelimiter.NewKindLimiter(ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.KindBuckets()))
	registry := channel.NewRegistry(cfg, limiter, box, log)
	evbus := bus.New(sink, log)

	// One lock table per process: fan-out writes and drift repairs for the
	// same product queue behind each other.
	locks := keyedlock.New()

	sy := syncer.New(syncer.Deps{
		TenantID:  cfg.TenantID,
		Products:  products,
		Mappings:  mappings,
		Channels:  channels,
		Events:    events,
		Queue:     queueClient,
		Providers: registry,
		Bus:       evbus,
		Dedup:     syncer.NewDedup(rdb, cfg.QueuePrefix, cfg.TenantID, cfg.SyncDedupWindow),
		Locks:     locks,
		BatchSize: cfg.SyncBatchSize,
		Log:       log,
	})
	gu := guardian.New(guardian.Deps{
		TenantID:        cfg.TenantID,
		Products:        products,
		Mappings:        mappings,
		Channels:        channels,
		Events:          events,
		Queue:           queueClient,
		Providers:       registry,
		Bus:             evbus,
		Locks:           locks,
		Interval:        cfg.ReconciliationInterval(),
		BatchSize:       cfg.SyncBatchSize,
		DriftThreshold:  cfg.DriftThreshold,
		CriticalPct:     cfg.CriticalDriftPct,
		RepairPct:       cfg.DriftAutoRepairThreshold,
		POSRepair:       cfg.GuardianPOSRepair,
		HealthFailLimit: cfg.HealthFailureLimit,
		Log:             log,
	})
	al := alerter.New(alerter.Deps{
		TenantID:        cfg.TenantID,
		Rules:           rules,
		Alerts:          alerts,
		Products:        products,
		Notifier:        notify.New(rdb, cfg.QueuePrefix, log),
		Bus:             evbus,
		Dedup:           alerter.NewDedup(rdb, cfg.QueuePrefix, cfg.TenantID, cfg.AlertDedupWindow),
		DefaultLowStock: cfg.LowStockThreshold,
		Log:             log,
	})
	poll := watcher.NewPoller(cfg.TenantID, channels, mappings, queueClient, registry,
		watcher.NewPollCache(rdb, cfg.QueuePrefix, cfg.TenantID),
		cfg.SyncInterval(), cfg.SyncBatchSize, log)

	return &Runtime{
		cfg:       cfg,
		tenantID:  cfg.TenantID,
		pool:      pool,
		rdb:       rdb,
		queue:     queueClient,
		channels:  channels,
		mappings:  mappings,
		rules:     rules,
		bus:       evbus,
		sync:      sy,
		alert:     al,
		recon:     gu,
		poll:      poll,
		depths:    insp,
		in:        ipc.NewReader(os.Stdin),
		out:       ipc.NewWriter(os.Stdout),
		dbPing:    pool,
		redisPing: redisPinger{rdb: rdb},
		log:       log,
	}, nil
}

// Run drives the worker lifecycle: wait for init, start consumers and agent
// loops, announce ready, serve parent commands, drain, exit. The returned
// error is fatal; the parent restarts the process.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.reportPanic()

	boot, stop, err := r.awaitInit()
	if err != nil {
		r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{Message: err.Error(), Fatal: true})
		return err
	}
	if stop {
		r.send(ipc.KindShutdownComplete, nil)
		return nil
	}
	if boot.TenantID != "" && boot.TenantID != r.tenantID {
		err := fmt.Errorf("op=worker.Run: %w: init addressed tenant %s, this worker serves %s",
			domain.ErrInvalidArgument, boot.TenantID, r.tenantID)
		r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{Message: err.Error(), Fatal: true})
		return err
	}

	// A broken rule file must not keep stock sync down.
	if err := r.seedRules(ctx); err != nil {
		r.log.Warn("alert rule seeding failed", slog.Any("error", err))
	}

	if r.servers == nil {
		set, err := asynqadp.NewServerSet(r.cfg.RedisURL, r.cfg.QueuePrefix, r.tenantID, boot.Concurrency, r.log)
		if err != nil {
			r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{Message: err.Error(), Fatal: true})
			return err
		}
		r.servers = set
	}
	r.registerHandlers()
	if err := r.servers.Start(); err != nil {
		err = fmt.Errorf("op=worker.Run: %w", err)
		r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{Message: err.Error(), Fatal: true})
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.poll != nil {
		go r.poll.Run(ctx)
	}
	if r.recon != nil {
		go r.recon.Run(ctx, true)
	}
	if r.bus != nil {
		go r.bridgeEvents(ctx)
	}
	go r.healthLoop(ctx)

	r.send(ipc.KindReady, ipc.ReadyPayload{PID: os.Getpid()})
	r.log.Info("worker ready", slog.String("tenant_id", r.tenantID))

	graceful := r.serveIPC(ctx)
	cancel()
	if graceful {
		r.drain()
	}
	r.send(ipc.KindShutdownComplete, nil)
	r.log.Info("worker stopped", slog.Bool("graceful", graceful))
	return nil
}

// Close releases the runtime's connections. Call after Run returns.
func (r *Runtime) Close() {
	if c, ok := r.depths.(io.Closer); ok {
		_ = c.Close()
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// awaitInit blocks until the parent's init arrives. The parent owns the
// bootstrap deadline, so there is no timer here; a closed pipe ends the wait.
// stop reports that the parent asked for shutdown before ever initializing.
func (r *Runtime) awaitInit() (ipc.InitPayload, bool, error) {
	for {
		msg, err := r.in.Next()
		if err != nil {
			return ipc.InitPayload{}, false, fmt.Errorf("op=worker.awaitInit: %w", err)
		}
		switch msg.Kind {
		case ipc.KindInit:
			var p ipc.InitPayload
			if err := msg.Decode(&p); err != nil {
				return ipc.InitPayload{}, false, err
			}
			return p, false, nil
		case ipc.KindShutdown:
			return ipc.InitPayload{}, true, nil
		default:
			r.log.Debug("message before init dropped", slog.String("kind", string(msg.Kind)))
		}
	}
}

// seedRules upserts the configured rule file once per boot, so rule changes
// ship with a restart.
func (r *Runtime) seedRules(ctx context.Context) error {
	if r.cfg.AlertRulesPath == "" {
		return nil
	}
	loaded, err := alerter.LoadRules(r.cfg.AlertRulesPath, r.tenantID)
	if err != nil {
		return err
	}
	for _, rule := range loaded {
		if _, err := r.rules.Upsert(ctx, rule); err != nil {
			return fmt.Errorf("op=worker.seedRules: %w", err)
		}
	}
	r.log.Info("alert rules seeded", slog.Int("count", len(loaded)))
	return nil
}

// healthLoop emits a health report every health-check interval.
func (r *Runtime) healthLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.HealthCheckInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.send(ipc.KindHealthReport, r.healthReport(ctx))
		}
	}
}

// healthReport pings the stores and samples queue depths. Degraded means a
// dependency misbehaved; whether that is restart-worthy is the parent's call.
func (r *Runtime) healthReport(ctx context.Context) ipc.HealthReportPayload {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	var problems []string
	if r.dbPing != nil {
		if err := r.dbPing.Ping(ctx); err != nil {
			problems = append(problems, "db: "+err.Error())
		}
	}
	if r.redisPing != nil {
		if err := r.redisPing.Ping(ctx); err != nil {
			problems = append(problems, "redis: "+err.Error())
		}
	}
	rep := ipc.HealthReportPayload{Status: ipc.HealthHealthy}
	if r.depths != nil {
		rep.Queues = r.depths.Depths()
	}
	if len(problems) > 0 {
		rep.Status = ipc.HealthDegraded
		rep.Detail = strings.Join(problems, "; ")
	}
	return rep
}

// drain stops queue intake and waits for in-flight handlers, bounded by the
// shutdown grace window.
func (r *Runtime) drain() {
	if r.servers == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		r.servers.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGrace()):
		r.log.Warn("drain window elapsed with handlers still in flight")
	}
}

// reportPanic tells the parent the process is dying before the panic takes it
// down. Re-panicking preserves the stack and the non-zero exit.
func (r *Runtime) reportPanic() {
	if p := recover(); p != nil {
		r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{
			Message: fmt.Sprintf("panic: %v", p),
			Fatal:   true,
		})
		panic(p)
	}
}

// send writes one message upward. Send failures mean the parent end of the
// pipe is gone; supervision notices via the missing traffic, so here they are
// only logged.
func (r *Runtime) send(kind ipc.Kind, payload any) {
	if err := r.out.Send(kind, payload); err != nil {
		r.log.Warn("ipc send failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
