package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/collab"
	"github.com/adsdev/ads/internal/command"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/common/tracing"
	"github.com/adsdev/ads/internal/events"
	"github.com/adsdev/ads/internal/gateway"
	"github.com/adsdev/ads/internal/queue"
	"github.com/adsdev/ads/internal/search"
	"github.com/adsdev/ads/internal/session"
	"github.com/adsdev/ads/internal/store/sqlite"
	"github.com/adsdev/ads/internal/vsearch"
	"github.com/adsdev/ads/internal/workspace"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the current workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

// runServe wires the whole server: config, logger, workspace layout,
// store, event bus, agents, queue, command router and the gateway.
// Blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command) error {
	// 1. Configuration
	cfg, err := config.LoadWithPath(flagConfig)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ads", zap.String("version", version))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// 3. Workspace layout
	if flagRoot == "" && cfg.Workspace.Root != "" {
		flagRoot = cfg.Workspace.Root
	}
	ws, err := resolveWorkspace(cmd)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if err := ws.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare workspace layout: %w", err)
	}
	log.Info("workspace resolved", zap.String("root", ws.Root()))

	releasePID, err := workspace.AcquirePIDFile(ws.PIDFilePath(), log)
	if err != nil {
		return fmt.Errorf("acquire pid file: %w", err)
	}
	defer releasePID()

	// 4. Tracing (no-op unless configured)
	tracing.Init(cfg.Tracing)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// 5. Store
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = ws.StateDBPath()
	}
	repo, err := sqlite.New(dbPath, sqlite.Options{
		MaxHistoryEntries: cfg.History.MaxEntries,
		MaxHistoryTextLen: cfg.History.MaxTextLen,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()
	log.Info("store opened", zap.String("path", dbPath))

	// 6. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}

	// 7. Search and vector index
	searchClient := search.NewClient(cfg.Search, log)
	var vectorIndex *vsearch.Index
	if cfg.Vector.Enabled {
		vectorIndex, err = vsearch.Open(cfg.Vector, ws.VectorDir(), log)
		if err != nil {
			log.Warn("vector index unavailable, /vsearch disabled", zap.Error(err))
			vectorIndex = nil
		}
	}

	// 8. Collaboration engine and session manager
	engine := collab.NewEngine(cfg.Agents.Supervisor, cfg.Collab, log)
	sessions := session.NewManager(session.Deps{
		Config: cfg,
		Store:  repo,
		Logger: log,
		Engine: engine,
		Search: searchClient,
		Vector: vectorIndex,
		Root:   ws.Root(),
	})

	// 9. Task queue and scheduler
	queueSvc := queue.NewService(repo, eventBus, log)
	sched := queue.NewScheduler(queue.SchedulerDeps{
		Config:   cfg.Queue,
		Service:  queueSvc,
		Store:    repo,
		Bus:      eventBus,
		Sessions: sessions,
		Engine:   engine,
		Logger:   log,
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// 10. Command router and gateway
	router := command.NewRouter(command.Deps{
		Config:    cfg,
		Logger:    log,
		Workspace: ws,
		Queue:     queueSvc,
		Scheduler: sched,
		Prompts:   sessions.Prompts(),
	})

	srv := gateway.NewServer(gateway.Deps{
		Config:    cfg,
		Logger:    log,
		Sessions:  sessions,
		Router:    router,
		Queue:     queueSvc,
		Bus:       eventBus,
		Workspace: ws,
		Version:   version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down", zap.String("reason", "context cancelled"))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	return nil
}
