package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// Services bundles the engine surfaces the facades expose
type Services struct {
	Tasks       services.TaskService
	Subtasks    services.SubtaskService
	Projects    services.ProjectService
	Contexts    services.ContextService
	Delegations services.DelegationService
}

// Server is the HTTP front of the engines
type Server struct {
	cfg    config.Config
	logger observability.Logger
	router *gin.Engine
	srv    *http.Server
}

// NewServer wires the facades, middleware, and routes
func NewServer(cfg config.Config, svcs Services, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if !cfg.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger.WithPrefix("http")))
	router.Use(MetricsMiddleware(metrics))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Auth))
	NewTaskAPI(svcs.Tasks).RegisterRoutes(v1)
	NewSubtaskAPI(svcs.Subtasks).RegisterRoutes(v1)
	NewProjectAPI(svcs.Projects).RegisterRoutes(v1)
	NewAgentAPI(svcs.Projects).RegisterRoutes(v1)
	NewContextAPI(svcs.Contexts, svcs.Delegations).RegisterRoutes(v1)

	return &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		srv: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("server listening", map[string]interface{}{"address": s.cfg.ListenAddress})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
