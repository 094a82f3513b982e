package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
)

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// StartRequest is the request body for POST /v1/features.
type StartRequest struct {
	Definition string `json:"definition"`
	FeatureID  string `json:"featureId,omitempty"`
}

// NextResponse is the response body for GET /v1/features/:id/next.
type NextResponse struct {
	FeatureID string   `json:"featureId"`
	Version   int64    `json:"version"`
	Next      []string `json:"next"`
	Done      bool     `json:"done"`
}

// BeginRequest is the request body for .../begin.
type BeginRequest struct {
	Actor string `json:"actor,omitempty"`
}

// OutputsRequest is the request body for .../complete and .../await-gate.
type OutputsRequest struct {
	Outputs map[string]string `json:"outputs"`
}

// FailRequest is the request body for .../fail.
type FailRequest struct {
	Error string `json:"error"`
}

// ResetRequest is the request body for .../reset.
type ResetRequest struct {
	Force bool `json:"force,omitempty"`
}

// GateRequest is the request body for .../gate.
type GateRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy"`
	Notes     string `json:"notes,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"versions": s.orch.Catalog().Versions()})
}

func (s *Server) handlePlan(c echo.Context) error {
	version := c.QueryParam("definition")
	if version == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition query parameter is required")
	}
	plan, err := s.orch.Plan(version)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Definition == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition field is required")
	}
	m, err := s.orch.Start(c.Request().Context(), req.Definition, req.FeatureID)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) handleList(c echo.Context) error {
	ids, err := s.orch.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err, nil)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"features": ids})
}

func (s *Server) handleGet(c echo.Context) error {
	m, err := s.orch.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleNext(c echo.Context) error {
	m, next, err := s.orch.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	if next == nil {
		next = []string{}
	}
	return c.JSON(http.StatusOK, NextResponse{FeatureID: m.FeatureID, Version: m.Version, Next: next, Done: m.Done()})
}

func (s *Server) submit(c echo.Context, r orchestrator.Result) error {
	m, err := s.orch.SubmitStepResult(c.Request().Context(), c.Param("id"), c.Param("step"), r)
	if err != nil {
		return s.fail(c, err, m)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleBegin(c echo.Context) error {
	var req BeginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.submit(c, orchestrator.Began(req.Actor))
}

func (s *Server) handleComplete(c echo.Context) error {
	var req OutputsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.submit(c, orchestrator.Completed(req.Outputs))
}

func (s *Server) handleAwaitGate(c echo.Context) error {
	var req OutputsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.submit(c, orchestrator.AwaitingGate(req.Outputs))
}

func (s *Server) handleFail(c echo.Context) error {
	var req FailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Error == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "error field is required")
	}
	return s.submit(c, orchestrator.Failed(req.Error))
}

func (s *Server) handleReset(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.orch.ResetStep(c.Request().Context(), c.Param("id"), c.Param("step"), req.Force)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleGate(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision, err := manifest.ParseDecision(req.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DecidedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decidedBy field is required")
	}
	m, err := s.orch.ApproveGate(c.Request().Context(), c.Param("id"), c.Param("step"), manifest.GateDecision{
		DecidedBy: req.DecidedBy,
		Decision:  decision,
		Notes:     req.Notes,
	})
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, m)
}
