// Command worker runs the background maintenance loop on its own: the
// session-timeout sweeper against the shared database. Deployments that
// scale the API horizontally run exactly one worker instead of a sweeper
// per server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/database"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/postgres"
	"github.com/taskmesh/taskmesh/pkg/services"
)

const fallbackSweepInterval = 30 * time.Second

// sweepInterval guards against a zero or negative configured interval
func sweepInterval(cfg *config.Config) time.Duration {
	if cfg.SweepInterval <= 0 {
		return fallbackSweepInterval
	}
	return cfg.SweepInterval
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("worker")
	metrics := observability.NewInMemoryMetricsClient()
	defer metrics.Close()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	sessionRepo := postgres.NewSessionRepository(db, logger, metrics)
	projectRepo := postgres.NewProjectRepository(db, logger, metrics)
	tx := postgres.NewTxManager(db, logger)

	sweeper := services.NewSessionSweeper(services.ServiceConfig{
		Logger:  logger,
		Metrics: metrics,
	}, sessionRepo, projectRepo, tx, sweepInterval(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("worker running", map[string]interface{}{
		"sweep_interval": sweepInterval(cfg).String(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("worker stopping", map[string]interface{}{"signal": sig.String()})
}
