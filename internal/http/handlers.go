package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/supervisor"
)

// SubmitRunRequest is the request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	Goal             string `json:"goal"`
	SessionID        string `json:"session_id,omitempty"`
	WorkspaceContext string `json:"workspace_context,omitempty"`
}

// SubmitRunResponse is the response body for POST /api/v1/runs.
type SubmitRunResponse struct {
	ManifestID string `json:"manifest_id"`
	Lanes      int    `json:"lanes"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// handleSubmitRun decomposes the goal synchronously so planning errors
// surface to the caller, then orchestrates in the background.
func (s *Server) handleSubmitRun(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal field is required")
	}

	m, err := s.orch.Decompose(c.Request().Context(), req.Goal, req.SessionID, req.WorkspaceContext)
	if err != nil {
		var derr *supervisor.DecompositionError
		if errors.As(err, &derr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, derr.Error())
		}
		s.logger.Error("decomposition failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "decomposition failed")
	}

	go func() {
		if _, err := s.orch.Orchestrate(s.runCtx, m, req.WorkspaceContext); err != nil {
			s.logger.Warn("orchestration ended with error",
				zap.String("manifest_id", m.ID),
				zap.Error(err))
		}
	}()

	return c.JSON(http.StatusAccepted, SubmitRunResponse{ManifestID: m.ID, Lanes: len(m.Nodes)})
}

func (s *Server) handleGetManifest(c echo.Context) error {
	m, err := s.store.GetManifest(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleGetManifestLanes(c echo.Context) error {
	lanes, err := s.store.GetLanesByManifest(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
	}
	return c.JSON(http.StatusOK, lanes)
}

func (s *Server) handleGetManifestStats(c echo.Context) error {
	stats, err := s.store.GetStats(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetLane(c echo.Context) error {
	l, err := s.store.GetLane(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "lane not found")
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handleListLanes(c echo.Context) error {
	status := lane.Status(c.QueryParam("status"))
	if status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status query parameter is required")
	}
	if !validStatus(status) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	return c.JSON(http.StatusOK, s.store.GetLanesByStatus(status))
}

func validStatus(status lane.Status) bool {
	for _, st := range lane.AllStatuses() {
		if st == status {
			return true
		}
	}
	return false
}
