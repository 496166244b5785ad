// Command server runs the task-orchestration HTTP server: the coordination
// kernel, the task lifecycle engine, and the hierarchical context engine
// behind the manage_* endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskmesh/taskmesh/pkg/api"
	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/database"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/cached"
	"github.com/taskmesh/taskmesh/pkg/repository/postgres"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func main() {
	configFile := flag.String("config", "", "optional config file path")
	flag.Parse()

	// A missing .env is fine; the environment wins either way
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("server")
	metrics := observability.NewInMemoryMetricsClient()
	defer metrics.Close()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(db, cfg.Database.Type); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	cacheClient, err := buildCache(cfg)
	if err != nil {
		log.Fatalf("initialise cache: %v", err)
	}
	defer cacheClient.Close()

	// Repositories, with the read-through cache wrapping the hot task paths
	taskRepo := cached.NewTaskRepository(
		postgres.NewTaskRepository(db, logger, metrics), cacheClient, cfg.CacheTTL, logger, metrics)
	subtaskRepo := cached.NewSubtaskRepository(
		postgres.NewSubtaskRepository(db, logger, metrics), cacheClient, cfg.CacheTTL, logger, metrics)
	projectRepo := postgres.NewProjectRepository(db, logger, metrics)
	sessionRepo := postgres.NewSessionRepository(db, logger, metrics)
	contextRepo := postgres.NewContextRepository(db, logger, metrics)
	delegationRepo := postgres.NewDelegationRepository(db, logger, metrics)
	inheritanceRepo := postgres.NewInheritanceCacheRepository(db, logger, metrics)
	tx := postgres.NewTxManager(db, logger)

	bus := events.NewBus(logger)
	bus.Subscribe(events.AllEvents, events.LoggingHandler(logger.WithPrefix("events")))

	svcCfg := services.ServiceConfig{
		Logger:  logger,
		Metrics: metrics,
		Events:  bus,
	}

	contextSvc := services.NewContextService(svcCfg, contextRepo, inheritanceRepo, taskRepo, cfg.CacheTTL)
	srv := api.NewServer(*cfg, api.Services{
		Tasks:       services.NewTaskService(svcCfg, taskRepo, subtaskRepo, tx, contextSvc),
		Subtasks:    services.NewSubtaskService(svcCfg, taskRepo, subtaskRepo, tx),
		Projects:    services.NewProjectService(svcCfg, projectRepo, taskRepo, subtaskRepo, inheritanceRepo, tx, nil),
		Contexts:    contextSvc,
		Delegations: services.NewDelegationService(svcCfg, delegationRepo, contextRepo, inheritanceRepo),
	}, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := services.NewSessionSweeper(svcCfg, sessionRepo, projectRepo, tx, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("server stopped", nil)
}

// buildCache selects the repository cache backend. Test mode and a blank
// Redis address run on the in-process LRU; anything else must reach Redis.
func buildCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.TestMode || cfg.Redis.Address == "" {
		return cache.NewMemoryCache(10000, cfg.CacheTTL), nil
	}
	return cache.NewRedisCache(cache.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
	})
}
