// Package httpapi exposes the monitoring, query and feedback API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/retrieval"
	"github.com/lumenlabs/lumen/internal/scheduler"
)

// Server is the HTTP API front of the pipeline.
type Server struct {
	echo       *echo.Echo
	cfg        config.ServerConfig
	controller *scheduler.Controller
	engine     *retrieval.Engine
	feedback   *FeedbackService
	store      ledger.Store
	logger     *zap.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg config.ServerConfig, controller *scheduler.Controller, engine *retrieval.Engine, feedback *FeedbackService, store ledger.Store, logger *zap.Logger) (*Server, error) {
	if controller == nil {
		return nil, errors.New("controller is required")
	}
	if engine == nil {
		return nil, errors.New("query engine is required")
	}
	if feedback == nil {
		return nil, errors.New("feedback service is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("httpapi")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})

	s := &Server{
		echo:       e,
		cfg:        cfg,
		controller: controller,
		engine:     engine,
		feedback:   feedback,
		store:      store,
		logger:     logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/monitor/start", s.handleStart)
	v1.POST("/monitor/stop", s.handleStop)
	v1.POST("/monitor/check-now", s.handleCheckNow)
	v1.GET("/monitor/status", s.handleStatus)
	v1.POST("/query", s.handleQuery)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/transactions", s.handleListTransactions)
	v1.DELETE("/transactions/:id", s.handleDeleteTransaction)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// StartRequest is the request body for POST /api/v1/monitor/start.
type StartRequest struct {
	OwnerRef string `json:"owner_ref"`
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OwnerRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_ref is required")
	}

	s.controller.Start(req.OwnerRef)
	return c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleStop(c echo.Context) error {
	s.controller.Stop()
	return c.JSON(http.StatusOK, s.controller.Status())
}

// CheckNowResponse reports the on-demand cycle's own commit count
// alongside the controller snapshot.
type CheckNowResponse struct {
	scheduler.Status
	Processed int `json:"processed"`
}

func (s *Server) handleCheckNow(c echo.Context) error {
	processed, err := s.controller.CheckNow(c.Request().Context())
	if errors.Is(err, scheduler.ErrNotRunning) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, CheckNowResponse{
		Status:    s.controller.Status(),
		Processed: processed,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Status())
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	OwnerRef  string `json:"owner_ref"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OwnerRef == "" || req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_ref and query are required")
	}

	answer, err := s.engine.Query(c.Request().Context(), req.OwnerRef, req.SessionID, req.Query)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}
	return c.JSON(http.StatusOK, answer)
}

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	TransactionID string `json:"transaction_id"`
	Decision      string `json:"decision"`
}

// FeedbackResponse reports the model version now authoritative.
type FeedbackResponse struct {
	TransactionID string `json:"transaction_id"`
	Decision      string `json:"decision"`
	ModelVersion  int64  `json:"model_version"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision := ledger.Decision(req.Decision)
	if req.TransactionID == "" || (decision != ledger.DecisionApprove && decision != ledger.DecisionReject) {
		return echo.NewHTTPError(http.StatusBadRequest, "transaction_id and decision (approve|reject) are required")
	}

	version, err := s.feedback.Apply(c.Request().Context(), req.TransactionID, decision)
	if errors.Is(err, ledger.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		s.logger.Error("feedback failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "feedback failed")
	}
	return c.JSON(http.StatusOK, FeedbackResponse{
		TransactionID: req.TransactionID,
		Decision:      req.Decision,
		ModelVersion:  version,
	})
}

func (s *Server) handleListTransactions(c echo.Context) error {
	ownerRef := c.QueryParam("owner_ref")
	if ownerRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_ref is required")
	}
	q := ledger.TransactionQuery{
		Merchant: c.QueryParam("merchant"),
		Category: c.QueryParam("category"),
	}

	txs, err := s.store.Transactions().List(c.Request().Context(), ownerRef, q)
	if err != nil {
		s.logger.Error("list transactions failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, txs)
}

func (s *Server) handleDeleteTransaction(c echo.Context) error {
	err := s.feedback.Delete(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		s.logger.Error("delete transaction failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
