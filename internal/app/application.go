// Package app is the composition root: it wires storage, the event bus,
// the policy engine, the tool cache, the egress gateway, the working-set
// assembler, the action pipeline, and the supervised periodics into one
// Application, the same way the teacher's internal/app.Application wires
// its domain services over a shared Stores/system.Manager.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/egress"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/pipeline"
	"github.com/arwlocal/runtime/internal/app/policy"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/app/storage/postgres"
	"github.com/arwlocal/runtime/internal/app/supervisor"
	"github.com/arwlocal/runtime/internal/app/system"
	"github.com/arwlocal/runtime/internal/app/toolcache"
	"github.com/arwlocal/runtime/internal/app/workingset"
	"github.com/arwlocal/runtime/internal/config"
)

// DefaultPolicyRules is the allow/deny rule list New gives the policy
// engine: demo/http tools run unconditionally, context assembly and memory
// reads are not policy-gated, and every other kind hits the catch-all deny.
// That rule names no capability, so Pipeline.Submit rejects such kinds
// whatever leases exist.
var DefaultPolicyRules = []policy.Rule{
	{Prefix: "demo.", Allow: true},
	{Prefix: "http.fetch", Allow: true, RequireCapability: "net:http"},
	{Prefix: "", Allow: false, RequireCapability: "", Reason: "no matching rule"},
}

// Application bundles every long-lived component the HTTP/gRPC surfaces
// and the CLI depend on, constructed once at startup.
type Application struct {
	Config *config.Config
	Log    *alog.Logger

	Store         storage.Store
	Bus           *bus.Bus
	Policy        *policy.Engine
	Leases        *policy.LeaseAuthorizer
	ToolCacheStore *toolcache.Store
	ToolCache     *toolcache.Cache
	Tools         *pipeline.ToolRegistry
	Pipeline      *pipeline.Pipeline
	Egress        *egress.Gateway
	Assembler     *workingset.Assembler
	Supervisor    *supervisor.Supervisor
	ProcessSampler *metrics.ProcessSampler
	LedgerNotify  *supervisor.LedgerNotifyService

	closeStore func() error
}

// New builds an Application from cfg. The returned value owns every
// component's lifecycle but does not start any of them; call Manager to
// obtain a system.Manager with everything registered, then Start it.
func New(cfg *config.Config) (*Application, error) {
	log := alog.New("arw-runtime", cfg.LogLevel, cfg.LogFormat)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	eventBus := bus.New(store, log, 4096)
	pol := policy.New(DefaultPolicyRules)
	leases := policy.NewLeaseAuthorizer(store, time.Now)

	blobDir := cfg.StateDir + "/tools/by-digest"
	cacheStore, err := toolcache.NewStore(cfg.ToolsCacheCap, cfg.ToolsCacheTTL, blobDir, cfg.ToolsCacheMaxPayloadBytes)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("new tool cache store: %w", err)
	}
	cache := toolcache.New(cacheStore)

	envSig := toolcache.EnvSignature("v1", "v1", "", cfg.NetPosture, cfg.ToolsCacheSalt, "")
	tools := pipeline.NewToolRegistry(nil, envSig, cfg.ToolsCacheDeny, cfg.ToolsCacheAllow)

	pl := pipeline.New(store, pol, leases, eventBus, cache, tools, log, pipeline.Config{
		QueueMax:     cfg.ActionsQueueMax,
		NumWorkers:   cfg.Workers,
		LedgerEnable: cfg.EgressLedgerEnable,
		Posture:      cfg.NetPosture,
	})

	gateway := egress.New(pol, leases, store, eventBus, log)

	selector := workingset.NewSelector(store)
	assembler := workingset.New(selector, eventBus)

	sup := supervisor.New(log)
	var ledgerNotify *supervisor.LedgerNotifyService
	if cfg.StateDriver == config.StateDriverPostgres {
		ledgerNotify = supervisor.NewLedgerNotifyService(cfg.PostgresDSN, store, log)
	}
	if err := registerPeriodics(sup, store, eventBus, cfg, ledgerNotify != nil); err != nil {
		closeStore()
		return nil, fmt.Errorf("register periodics: %w", err)
	}

	sampler, err := metrics.NewProcessSampler(15 * time.Second)
	if err != nil {
		log.WithError(err).Warn("process sampler unavailable")
	}

	return &Application{
		Config:         cfg,
		Log:            log,
		Store:          store,
		Bus:            eventBus,
		Policy:         pol,
		Leases:         leases,
		ToolCacheStore: cacheStore,
		ToolCache:      cache,
		Tools:          tools,
		Pipeline:       pl,
		Egress:         gateway,
		Assembler:      assembler,
		Supervisor:     sup,
		ProcessSampler: sampler,
		LedgerNotify:   ledgerNotify,
		closeStore:     closeStore,
	}, nil
}

func openStore(cfg *config.Config) (storage.Store, func() error, error) {
	switch cfg.StateDriver {
	case config.StateDriverPostgres:
		pg, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return storage.New(), func() error { return nil }, nil
	}
}

// registerPeriodics registers every fixed-interval task. ledgerSyncIsNotify
// is true when a LedgerNotifyService will drive the rollup off real
// Postgres LISTEN/NOTIFY wakeups instead, so the ticker-driven NewLedgerSync
// is left out to avoid double-rolling-up.
func registerPeriodics(sup *supervisor.Supervisor, store storage.Store, eventBus *bus.Bus, cfg *config.Config, ledgerSyncIsNotify bool) error {
	tasks := []supervisor.PeriodicTask{
		supervisor.NewContextCascadeSummarizer(store, eventBus, cfg.ContextCascadeInterval),
		supervisor.NewMemoryRecentPublisher(store, eventBus, supervisor.DefaultMemoryRecentInterval),
		supervisor.NewDailyBriefGenerator(store, eventBus, cfg.DailyBriefInterval),
		supervisor.NewMemoryGC(store, metrics.MemoryGCRecorder{}, cfg.MemoryGCInterval),
	}
	if !ledgerSyncIsNotify {
		tasks = append(tasks, supervisor.NewLedgerSync(store, supervisor.DefaultLedgerSyncInterval))
	}
	for _, task := range tasks {
		if err := sup.Register(task); err != nil {
			return err
		}
	}
	return nil
}

// Manager returns a system.Manager with every lifecycle-bound component
// registered in start order: pipeline workers, then the egress gateway, then
// the supervisor (stopped in reverse order).
func (a *Application) Manager() *system.Manager {
	m := system.NewManager()
	_ = m.Register(pipelineService{a.Pipeline})
	_ = m.Register(egressService{a.Egress, a.Config})
	_ = m.Register(a.Supervisor)
	if a.ProcessSampler != nil {
		_ = m.Register(a.ProcessSampler)
	}
	if a.LedgerNotify != nil {
		_ = m.Register(a.LedgerNotify)
	}
	return m
}

// Close releases the store's resources (connection pool, file handles).
func (a *Application) Close() error {
	if a.closeStore == nil {
		return nil
	}
	return a.closeStore()
}

type pipelineService struct{ pl *pipeline.Pipeline }

func (pipelineService) Name() string                    { return "pipeline" }
func (s pipelineService) Start(ctx context.Context) error { return s.pl.Start(ctx) }
func (s pipelineService) Stop(ctx context.Context) error  { return s.pl.Stop(ctx) }

type egressService struct {
	gw  *egress.Gateway
	cfg *config.Config
}

func (egressService) Name() string { return "egress" }
func (s egressService) Start(ctx context.Context) error {
	return s.gw.Apply(ctx, egress.Config{
		Enabled:         s.cfg.EgressProxyEnable,
		Port:            s.cfg.EgressProxyPort,
		Allowlist:       s.cfg.NetAllowlist,
		DNSGuardEnable:  s.cfg.DNSGuardEnable,
		BlockIPLiterals: s.cfg.EgressBlockIPLiterals,
		LedgerEnable:    s.cfg.EgressLedgerEnable,
		Posture:         s.cfg.NetPosture,
		HTTPTimeout:     s.cfg.HTTPTimeout,
	})
}
func (s egressService) Stop(ctx context.Context) error { return s.gw.Stop(ctx) }
