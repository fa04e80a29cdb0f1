// Package http exposes governd's operational surface: audit export, the
// review decision channel, snapshot verification, and run control.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/snapshot"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// Server provides HTTP endpoints for governd.
type Server struct {
	echo    *echo.Echo
	chain   *auditchain.Chain
	store   *snapshot.Store
	reviews *review.Manager
	runner  *orchestrator.Runner
	logger  *zap.Logger
	config  *Config
}

// NewServer creates the HTTP server over the core services.
func NewServer(chain *auditchain.Chain, store *snapshot.Store, reviews *review.Manager, runner *orchestrator.Runner, logger *zap.Logger, cfg *Config) (*Server, error) {
	if chain == nil {
		return nil, fmt.Errorf("audit chain is required")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if reviews == nil {
		return nil, fmt.Errorf("review manager is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "localhost:9450"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		chain:   chain,
		store:   store,
		reviews: reviews,
		runner:  runner,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/audit/entries", s.handleAuditEntries)
	v1.GET("/audit/verify", s.handleAuditVerify)
	v1.GET("/audit/report", s.handleAuditReport)
	v1.GET("/audit/attestations", s.handleAttestationList)
	v1.POST("/audit/attestations", s.handleAttestationCreate)

	v1.GET("/reviews", s.handleReviewList)
	v1.GET("/reviews/stats", s.handleReviewStats)
	v1.GET("/reviews/:id", s.handleReviewGet)
	v1.POST("/reviews/:id/start", s.handleReviewStart)
	v1.POST("/reviews/:id/decision", s.handleReviewDecision)

	v1.GET("/snapshots/:id", s.handleSnapshotGet)
	v1.GET("/snapshots/:id/verify", s.handleSnapshotVerify)
	v1.GET("/snapshots/:id/restore", s.handleSnapshotRestore)
	v1.GET("/snapshots/:id/history", s.handleSnapshotHistory)

	v1.GET("/runs", s.handleRunList)
	v1.GET("/runs/:id", s.handleRunGet)
	v1.POST("/runs", s.handleRunStart)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	ChainFlagged int    `json:"chain_flagged_entries"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		ChainFlagged: s.chain.Flagged(),
	})
}

// AuditEntriesResponse is the paginated audit export.
type AuditEntriesResponse struct {
	Entries []*auditchain.Entry `json:"entries"`
	From    uint64              `json:"from"`
	To      uint64              `json:"to"`
	Head    uint64              `json:"head"`
}

func (s *Server) handleAuditEntries(c echo.Context) error {
	from, err := queryUint(c, "from", 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from parameter")
	}
	to, err := queryUint(c, "to", 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to parameter")
	}

	entries, err := s.chain.ReadRange(c.Request().Context(), from, to)
	if err != nil {
		if errors.Is(err, auditchain.ErrInvalidRange) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read audit entries")
	}

	head, _ := s.chain.Head()
	return c.JSON(http.StatusOK, AuditEntriesResponse{
		Entries: entries,
		From:    from,
		To:      to,
		Head:    head,
	})
}

// AuditVerifyResponse is the result of a full chain walk.
type AuditVerifyResponse struct {
	Valid       bool `json:"valid"`
	FirstBroken int  `json:"first_broken"`
}

func (s *Server) handleAuditVerify(c echo.Context) error {
	valid, firstBroken, err := s.chain.VerifyChain(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "chain verification failed")
	}
	return c.JSON(http.StatusOK, AuditVerifyResponse{Valid: valid, FirstBroken: firstBroken})
}

func (s *Server) handleAuditReport(c echo.Context) error {
	report, err := s.chain.BuildReport(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build audit report")
	}
	return c.JSON(http.StatusOK, report)
}

// AttestationRequest is the request body for POST /api/v1/audit/attestations.
type AttestationRequest struct {
	Type     string   `json:"type"`
	Attester string   `json:"attester"`
	Scope    string   `json:"scope"`
	Status   string   `json:"status"`
	Findings []string `json:"findings,omitempty"`
}

func (s *Server) handleAttestationCreate(c echo.Context) error {
	var req AttestationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" || req.Attester == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type and attester fields are required")
	}

	att, err := s.chain.Attest(c.Request().Context(), req.Type, req.Attester, req.Scope, req.Status, req.Findings)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record attestation")
	}
	return c.JSON(http.StatusCreated, att)
}

func (s *Server) handleAttestationList(c echo.Context) error {
	atts, err := s.chain.Attestations(c.Request().Context(), c.QueryParam("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read attestations")
	}
	return c.JSON(http.StatusOK, atts)
}

func (s *Server) handleReviewList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reviews.Open())
}

func (s *Server) handleReviewStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reviews.Stats())
}

func (s *Server) handleReviewGet(c echo.Context) error {
	req, err := s.reviews.Get(c.Param("id"))
	if err != nil {
		return reviewError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// ReviewStartRequest is the request body for POST /api/v1/reviews/:id/start.
type ReviewStartRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleReviewStart(c echo.Context) error {
	var body ReviewStartRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	}

	req, err := s.reviews.Start(c.Request().Context(), c.Param("id"), body.Reviewer)
	if err != nil {
		return reviewError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// ReviewDecisionRequest is the request body for POST /api/v1/reviews/:id/decision.
type ReviewDecisionRequest struct {
	Decision  review.Decision `json:"decision"`
	Rationale string          `json:"rationale"`
}

func (s *Server) handleReviewDecision(c echo.Context) error {
	var body ReviewDecisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req, err := s.reviews.Complete(c.Request().Context(), c.Param("id"), body.Decision, body.Rationale)
	if err != nil {
		return reviewError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func reviewError(err error) error {
	switch {
	case errors.Is(err, review.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSnapshotGet(c echo.Context) error {
	snap, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return snapshotError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// SnapshotVerifyResponse is the result of a hash recomputation.
type SnapshotVerifyResponse struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
}

func (s *Server) handleSnapshotVerify(c echo.Context) error {
	id := c.Param("id")
	valid, err := s.store.Verify(c.Request().Context(), id)
	if err != nil {
		return snapshotError(err)
	}
	return c.JSON(http.StatusOK, SnapshotVerifyResponse{ID: id, Valid: valid})
}

func (s *Server) handleSnapshotRestore(c echo.Context) error {
	state, err := s.store.Restore(c.Request().Context(), c.Param("id"))
	if err != nil {
		return snapshotError(err)
	}
	return c.JSONBlob(http.StatusOK, state)
}

func (s *Server) handleSnapshotHistory(c echo.Context) error {
	history, err := s.store.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return snapshotError(err)
	}
	return c.JSON(http.StatusOK, history)
}

func snapshotError(err error) error {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, snapshot.ErrSnapshotCorrupted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRunList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runner.Runs())
}

func (s *Server) handleRunGet(c echo.Context) error {
	run, err := s.runner.GetRun(c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// RunStartRequest is the request body for POST /api/v1/runs.
type RunStartRequest struct {
	Input json.RawMessage `json:"input"`
}

// RunStartResponse acknowledges a background run.
type RunStartResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRunStart(c echo.Context) error {
	var body RunStartRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	runID, err := s.runner.Start(c.Request().Context(), body.Input)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, RunStartResponse{RunID: runID})
}

func queryUint(c echo.Context, name string, def uint64) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
