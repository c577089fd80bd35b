package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListExecutions(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "read"); err != nil {
		return Fail(c, err)
	}
	page, pageSize := parsePage(c)
	executions, total, err := s.executions.ListExecutions(
		orgID(c), c.QueryParam("workflow_id"), pageSize, (page-1)*pageSize)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, Paginate(executions, total, page, pageSize))
}

// handleGetExecution returns the execution with its steps and logs.
func (s *Server) handleGetExecution(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "read"); err != nil {
		return Fail(c, err)
	}
	ex, err := s.executions.GetScopedExecution(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	steps, err := s.executions.ListSteps(ex.ID)
	if err != nil {
		return Fail(c, err)
	}
	logs, err := s.executions.ListLogs(ex.ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]interface{}{
		"execution": ex,
		"steps":     steps,
		"logs":      logs,
	})
}

func (s *Server) handleCancelExecution(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "update"); err != nil {
		return Fail(c, err)
	}
	if _, err := s.executions.GetScopedExecution(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	if err := s.scheduler.Cancel(c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRetryExecution(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "update"); err != nil {
		return Fail(c, err)
	}
	if _, err := s.executions.GetScopedExecution(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	child, err := s.scheduler.Retry(c.Param("id"), principal(c).ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, child)
}

func (s *Server) handlePauseExecution(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "update"); err != nil {
		return Fail(c, err)
	}
	if _, err := s.executions.GetScopedExecution(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	if err := s.scheduler.Pause(c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeExecution(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "update"); err != nil {
		return Fail(c, err)
	}
	if _, err := s.executions.GetScopedExecution(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	if err := s.scheduler.Resume(c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "running"})
}
