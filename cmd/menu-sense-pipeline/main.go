// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/httpapi"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/redisclient"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/stagepool"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/subscription"
)

var version = "dev"

// Application owns every long-lived dependency wired at startup: the
// Postgres and Redis connections, the Event Bus, the Result Sink, the
// provider Registry, one stage pool per queue.Stage, the Orchestrator,
// and the Reconciler. It is built once in main and threaded through
// explicitly — nothing here is a package-level global.
type Application struct {
	cfg   *config.Config
	log   *zap.Logger
	db    *sql.DB
	rdb   *redis.Client
	st    *store.Store
	bus   *eventbus.Bus
	sink  *sink.Sink
	reg   *providers.Registry
	pools map[string]*stagepool.Pool
	orch  *orchestrator.Orchestrator
	rec   *stagepool.Reconciler
}

func main() {
	var role string
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: orchestrator|worker|api|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	app, err := build(cfg, log)
	if err != nil {
		log.Fatal("failed to build application", obs.Err(err))
	}
	defer app.db.Close()
	defer app.rdb.Close()
	defer app.bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			log.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		return app.db.PingContext(c)
	}
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	queueKeys := make(map[string]string, len(queue.Stages))
	for _, s := range queue.Stages {
		queueKeys[string(s)] = "menusense:stage:" + string(s) + ":queue"
	}

	app.run(ctx, role, queueKeys)
}

func build(cfg *config.Config, log *zap.Logger) (*Application, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	st := store.New(db)
	if cfg.Postgres.AutoResetOnBoot {
		if err := st.Reset(context.Background()); err != nil {
			return nil, fmt.Errorf("reset schema: %w", err)
		}
	}

	rdb := redisclient.New(cfg.Redis)
	bus := eventbus.New()
	sk := sink.New(st, bus, log, cfg.SinkRetryAttempts)
	reg := providers.NewRegistry(cfg, log)

	pools := make(map[string]*stagepool.Pool, len(queue.Stages))
	enqueuers := make(map[string]orchestrator.Enqueuer, len(queue.Stages))
	proc := stagepool.NewStageProcessor(reg, st)
	for _, s := range queue.Stages {
		stageCfg, ok := cfg.Stages[string(s)]
		if !ok {
			return nil, fmt.Errorf("no stage config for %q", s)
		}
		pool := stagepool.New(string(s), rdb, stageCfg, proc, sk, st, log)
		pools[string(s)] = pool
		enqueuers[string(s)] = pool
	}

	orch := orchestrator.New(st, bus, enqueuers, cfg.Stages, cfg.ProviderChains, log)
	rec := stagepool.NewReconciler(rdb, sk, stageNames(), cfg.Session.ReconcileInterval, log)

	return &Application{
		cfg: cfg, log: log, db: db, rdb: rdb,
		st: st, bus: bus, sink: sk, reg: reg,
		pools: pools, orch: orch, rec: rec,
	}, nil
}

func stageNames() []string {
	names := make([]string, len(queue.Stages))
	for i, s := range queue.Stages {
		names[i] = string(s)
	}
	return names
}

func (a *Application) run(ctx context.Context, role string, queueKeys map[string]string) {
	switch role {
	case "worker":
		a.runWorker(ctx, queueKeys)
	case "orchestrator":
		a.runOrchestrator(ctx)
	case "api":
		a.runAPI(ctx)
	case "all":
		go a.runWorker(ctx, queueKeys)
		go a.runOrchestrator(ctx)
		a.runAPI(ctx)
	default:
		a.log.Fatal("unknown role", obs.String("role", role))
	}
}

func (a *Application) runWorker(ctx context.Context, queueKeys map[string]string) {
	obs.StartQueueLengthUpdater(ctx, a.rdb, queueKeys, 5*time.Second, a.log)
	go a.rec.Run(ctx)

	done := make(chan struct{}, len(a.pools))
	for stage, pool := range a.pools {
		stage, pool := stage, pool
		go func() {
			a.log.Info("stage pool starting", obs.Stage(stage))
			pool.Run(ctx)
			done <- struct{}{}
		}()
	}
	<-ctx.Done()
	for range a.pools {
		<-done
	}
}

func (a *Application) runOrchestrator(ctx context.Context) {
	feed := a.bus.SubscribeAll()
	a.orch.RunCompletionListener(ctx, feed)
}

func (a *Application) runAPI(ctx context.Context) {
	stream := subscription.NewHandler(a.st, a.bus, a.cfg.HTTPAPI.HeartbeatEvery, a.log)
	h := httpapi.NewHandler(a.orch, a.st, a.cfg.Session, stream, a.log)
	router := httpapi.NewRouter(h, a.cfg.HTTPAPI, a.log)

	srv := &http.Server{
		Addr:         a.cfg.HTTPAPI.ListenAddr,
		Handler:      router,
		ReadTimeout:  a.cfg.HTTPAPI.ReadTimeout,
		WriteTimeout: a.cfg.HTTPAPI.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http api listening", obs.String("addr", a.cfg.HTTPAPI.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.Error("http api error", obs.Err(err))
	}
}
