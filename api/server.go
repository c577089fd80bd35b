package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"flowmatic.io/analytics"
	"flowmatic.io/audit"
	"flowmatic.io/auth"
	"flowmatic.io/config"
	"flowmatic.io/connector"
	"flowmatic.io/dispatch"
	"flowmatic.io/documents"
	"flowmatic.io/engine"
	"flowmatic.io/metering"
	"flowmatic.io/tenancy"
	"flowmatic.io/workflow"
)

// Server is the HTTP surface: the echo instance plus every service the
// routes touch.
type Server struct {
	echo       *echo.Echo
	config     config.ServerConfig
	logger     *logrus.Logger
	auth       *auth.Service
	tenants    *tenancy.Store
	meter      *metering.Meter
	workflows  *workflow.Store
	executions *engine.Store
	scheduler  *engine.Scheduler
	dispatcher *dispatch.Dispatcher
	documents  *documents.Service
	analytics  *analytics.Service
	connectors *connector.Store
	audit      *audit.Store
}

// Deps bundles the server's collaborators.
type Deps struct {
	Auth       *auth.Service
	Tenants    *tenancy.Store
	Meter      *metering.Meter
	Workflows  *workflow.Store
	Executions *engine.Store
	Scheduler  *engine.Scheduler
	Dispatcher *dispatch.Dispatcher
	Documents  *documents.Service
	Analytics  *analytics.Service
	Connectors *connector.Store
	Audit      *audit.Store
}

// NewServer creates the echo server with the standard middleware stack
// and registers all routes.
func NewServer(cfg config.ServerConfig, logger *logrus.Logger, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
				"X-API-Key",
				"X-Organization-ID",
			},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}
	e.Use(securityHeaders)

	s := &Server{
		echo:       e,
		config:     cfg,
		logger:     logger,
		auth:       deps.Auth,
		tenants:    deps.Tenants,
		meter:      deps.Meter,
		workflows:  deps.Workflows,
		executions: deps.Executions,
		scheduler:  deps.Scheduler,
		dispatcher: deps.Dispatcher,
		documents:  deps.Documents,
		analytics:  deps.Analytics,
		connectors: deps.Connectors,
		audit:      deps.Audit,
	}
	s.registerRoutes()
	return s
}

func securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		return next(c)
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": "flowmatic"})
	})

	// External webhook trigger: token-validated, outside the auth gate.
	s.echo.POST("/webhooks/workflows/:workflow_id/:token", s.handleInboundWebhook)

	v1 := s.echo.Group("/api/v1")

	// Public auth routes.
	v1.POST("/auth/login", s.handleLogin)
	v1.POST("/auth/refresh", s.handleRefresh)

	// Everything below passes the tenancy and permission gate.
	gated := v1.Group("", s.Authenticate, s.OrgContext, s.QuotaGuard)

	gated.POST("/auth/logout", s.handleLogout)
	gated.GET("/auth/me", s.handleMe)
	gated.POST("/auth/api-keys", s.handleCreateAPIKey)

	gated.POST("/organizations", s.handleCreateOrganization)
	gated.GET("/organizations/:id", s.handleGetOrganization)

	gated.POST("/workflows", s.handleCreateWorkflow)
	gated.GET("/workflows", s.handleListWorkflows)
	gated.GET("/workflows/:id", s.handleGetWorkflow)
	gated.PUT("/workflows/:id", s.handleUpdateWorkflow)
	gated.DELETE("/workflows/:id", s.handleDeleteWorkflow)
	gated.POST("/workflows/:id/execute", s.handleExecuteWorkflow)
	gated.POST("/workflows/:id/test", s.handleTestWorkflow)
	gated.POST("/workflows/:id/create_version", s.handleCreateVersion)
	gated.POST("/workflows/:id/rollback", s.handleRollback)
	gated.GET("/workflows/:id/versions", s.handleListVersions)
	gated.GET("/workflows/:id/variables", s.handleListVariables)
	gated.POST("/workflows/:id/variables", s.handleCreateVariable)
	gated.GET("/workflows/:id/triggers", s.handleListTriggers)
	gated.POST("/workflows/:id/triggers", s.handleCreateTrigger)

	gated.GET("/executions", s.handleListExecutions)
	gated.GET("/executions/:id", s.handleGetExecution)
	gated.POST("/executions/:id/cancel", s.handleCancelExecution)
	gated.POST("/executions/:id/retry", s.handleRetryExecution)
	gated.POST("/executions/:id/pause", s.handlePauseExecution)
	gated.POST("/executions/:id/resume", s.handleResumeExecution)

	gated.POST("/documents", s.handleUploadDocument)
	gated.GET("/documents", s.handleListDocuments)
	gated.GET("/documents/:id", s.handleGetDocument)
	gated.DELETE("/documents/:id", s.handleDeleteDocument)

	gated.POST("/connections", s.handleSaveConnection)
	gated.GET("/connections", s.handleListConnections)
	gated.DELETE("/connections/:id", s.handleDeleteConnection)

	gated.GET("/quotas", s.handleListQuotas)
	gated.GET("/usage/events", s.handleListUsageEvents)
	gated.GET("/analytics/dashboard", s.handleDashboard)
	gated.GET("/audit", s.handleListAudit)
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.config.Port).Info("starting HTTP server")
		if err := s.echo.StartServer(server); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// parsePage reads page/page_size query parameters with defaults.
func parsePage(c echo.Context) (page, pageSize int) {
	page = 1
	pageSize = 20
	if raw := c.QueryParam("page"); raw != "" {
		fmt.Sscanf(raw, "%d", &page)
	}
	if raw := c.QueryParam("page_size"); raw != "" {
		fmt.Sscanf(raw, "%d", &pageSize)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return page, pageSize
}
