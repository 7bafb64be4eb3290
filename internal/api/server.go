// Package api provides the HTTP API for shipgate.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/mutation"
	"github.com/fyrsmithlabs/shipgate/internal/orchestrator"
	"github.com/fyrsmithlabs/shipgate/internal/promotion"
)

// Pipeline runs change requests through the mutation pipeline.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.ChangeRequest) *orchestrator.RunResult
}

// Promoter exposes the promotion operations.
type Promoter interface {
	Diff(ctx context.Context) (*promotion.Diff, error)
	RunSafetyChecks(ctx context.Context) (*promotion.SafetyCheckResult, error)
	Promote(ctx context.Context, req promotion.PromoteRequest) (*promotion.PromotionRecord, error)
	Rollback(ctx context.Context, req promotion.RollbackRequest) error
}

// StatusSource reports working copy state.
type StatusSource interface {
	Status(ctx context.Context) (*gitrepo.Status, error)
}

// Server provides HTTP endpoints for shipgate.
type Server struct {
	echo       *echo.Echo
	pipeline   Pipeline
	promoter   Promoter
	staging    StatusSource
	production StatusSource
	oplog      *mutation.OperationLog
	metrics    *Metrics
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. oplog may be nil; the recent
// operations section of /api/v1/status is then empty.
func NewServer(pipeline Pipeline, promoter Promoter, staging, production StatusSource,
	oplog *mutation.OperationLog, logger *zap.Logger, cfg *Config) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if promoter == nil {
		return nil, fmt.Errorf("promoter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewMetrics()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		pipeline:   pipeline,
		promoter:   promoter,
		staging:    staging,
		production: production,
		oplog:      oplog,
		metrics:    metrics,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", s.metrics.Handler())

	v1 := s.echo.Group("/api/v1")
	v1.POST("/changes", s.handleChanges)
	v1.GET("/status", s.handleStatus)
	v1.GET("/promotion/diff", s.handleDiff)
	v1.GET("/promotion/checks", s.handleChecks)
	v1.POST("/promotion", s.handlePromote)
	v1.POST("/promotion/rollback", s.handleRollback)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleChanges runs a change request through the pipeline.
//
// Status codes follow the run's terminal state:
//   - 200: committed and verified
//   - 409: committed then rolled back by the test gate
//   - 422: rejected before anything reached the tree, or discarded
func (s *Server) handleChanges(c echo.Context) error {
	var req orchestrator.ChangeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid change request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.FileChanges) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fileChanges field is required")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description field is required")
	}

	res := s.pipeline.Run(c.Request().Context(), req)
	s.metrics.RecordRun(string(res.State))

	switch res.State {
	case orchestrator.StateDone:
		return c.JSON(http.StatusOK, res)
	case orchestrator.StateRolledBack:
		return c.JSON(http.StatusConflict, res)
	default:
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Staging          *gitrepo.Status            `json:"staging,omitempty"`
	Production       *gitrepo.Status            `json:"production,omitempty"`
	RecentOperations []mutation.OperationRecord `json:"recentOperations"`
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{RecentOperations: []mutation.OperationRecord{}}

	if s.staging != nil {
		st, err := s.staging.Status(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("staging status: %v", err))
		}
		resp.Staging = st
	}
	if s.production != nil {
		st, err := s.production.Status(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("production status: %v", err))
		}
		resp.Production = st
	}
	if s.oplog != nil {
		resp.RecentOperations = s.oplog.Records()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDiff(c echo.Context) error {
	diff, err := s.promoter.Diff(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, diff)
}

func (s *Server) handleChecks(c echo.Context) error {
	res, err := s.promoter.RunSafetyChecks(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// PromoteErrorResponse carries the violated preconditions.
type PromoteErrorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

func (s *Server) handlePromote(c echo.Context) error {
	var req promotion.PromoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PerformedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "performedBy field is required")
	}

	rec, err := s.promoter.Promote(c.Request().Context(), req)
	if err != nil {
		var safety *promotion.SafetyError
		switch {
		case errors.As(err, &safety):
			s.metrics.RecordPromotion("safety_rejected")
			return c.JSON(http.StatusUnprocessableEntity, PromoteErrorResponse{
				Error:  "safety checks failed",
				Issues: safety.Issues,
			})
		case errors.Is(err, promotion.ErrMergeFailed):
			s.metrics.RecordPromotion("merge_failed")
			return c.JSON(http.StatusConflict, PromoteErrorResponse{Error: err.Error()})
		case errors.Is(err, promotion.ErrPostMergePush):
			s.metrics.RecordPromotion("post_merge_push_failed")
			return c.JSON(http.StatusInternalServerError, PromoteErrorResponse{Error: err.Error()})
		default:
			s.metrics.RecordPromotion("failed")
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}

	s.metrics.RecordPromotion("ok")
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRollback(c echo.Context) error {
	var req promotion.RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ToCommit == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "toCommit field is required")
	}

	if err := s.promoter.Rollback(c.Request().Context(), req); err != nil {
		if errors.Is(err, promotion.ErrCommitNotInHistory) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "rolled_back", "toCommit": req.ToCommit})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
