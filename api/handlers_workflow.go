package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"flowmatic.io/apperr"
	"flowmatic.io/workflow"
)

type workflowRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Definition  workflow.Definition    `json:"definition"`
	Status      workflow.Status        `json:"status,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "create"); err != nil {
		return Fail(c, err)
	}

	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	user := principal(c)
	wf := &workflow.Workflow{
		OrganizationID: orgID(c),
		Name:           req.Name,
		Description:    req.Description,
		Definition:     req.Definition,
		Status:         req.Status,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		CreatedBy:      user.ID,
	}
	if err := s.workflows.Create(wf); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}

	page, pageSize := parsePage(c)
	filter := workflow.ListFilter{
		Status: workflow.Status(c.QueryParam("status")),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	workflows, total, err := s.workflows.List(orgID(c), filter)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, Paginate(workflows, total, page, pageSize))
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "update"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Description != "" {
		wf.Description = req.Description
	}
	if len(req.Definition.Nodes) > 0 {
		wf.Definition = req.Definition
	}
	if req.Status != "" {
		wf.Status = req.Status
	}
	if req.Tags != nil {
		wf.Tags = req.Tags
	}
	wf.UpdatedBy = principal(c).ID

	if err := s.workflows.Update(wf); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "delete"); err != nil {
		return Fail(c, err)
	}
	if err := s.workflows.Delete(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "deleted"})
}

type executeRequest struct {
	Input map[string]interface{} `json:"input,omitempty"`
}

func (s *Server) handleExecuteWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "executions", "create"); err != nil {
		return Fail(c, err)
	}
	// Scope check before submission.
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	ex, err := s.dispatcher.ExecuteManual(c.Request().Context(), wf.ID, req.Input, principal(c).ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusAccepted, ex)
}

func (s *Server) handleTestWorkflow(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	result := workflow.ValidateDefinition(&wf.Definition)
	variables, err := s.workflows.RawVariables(wf.ID)
	if err != nil {
		return Fail(c, err)
	}
	missing := workflow.MissingRequired(variables, req.Input)

	return OK(c, http.StatusOK, map[string]interface{}{
		"valid":             result.Valid() && len(missing) == 0,
		"errors":            result.Errors,
		"warnings":          result.Warnings,
		"missing_variables": missing,
	})
}

type createVersionRequest struct {
	Definition workflow.Definition `json:"definition"`
	Summary    string              `json:"summary,omitempty"`
}

func (s *Server) handleCreateVersion(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "update"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var req createVersionRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	def := req.Definition
	if len(def.Nodes) == 0 {
		def = wf.Definition
	}

	version, err := s.workflows.CreateVersion(wf, def, principal(c).ID, req.Summary)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, version)
}

type rollbackRequest struct {
	Version int `json:"version"`
}

func (s *Server) handleRollback(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "update"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	version, err := s.workflows.Rollback(wf, req.Version)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]interface{}{
		"workflow": wf,
		"version":  version,
	})
}

func (s *Server) handleListVersions(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	versions, err := s.workflows.ListVersions(wf.ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, versions)
}

func (s *Server) handleListVariables(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	variables, err := s.workflows.ListVariables(wf.ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, variables)
}

func (s *Server) handleCreateVariable(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "update"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var variable workflow.Variable
	if err := c.Bind(&variable); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	variable.WorkflowID = wf.ID
	if err := s.workflows.CreateVariable(&variable); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, variable.Masked())
}

func (s *Server) handleListTriggers(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "read"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	triggers, err := s.workflows.ListTriggers(wf.ID)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, triggers)
}

func (s *Server) handleCreateTrigger(c echo.Context) error {
	if err := s.requirePermission(c, "workflows", "update"); err != nil {
		return Fail(c, err)
	}
	wf, err := s.workflows.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}

	var trigger workflow.Trigger
	if err := c.Bind(&trigger); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	trigger.WorkflowID = wf.ID
	if err := s.workflows.CreateTrigger(&trigger); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, trigger)
}
