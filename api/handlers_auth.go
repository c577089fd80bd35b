package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"flowmatic.io/apperr"
	"flowmatic.io/tenancy"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	result, err := s.auth.Login(req.Email, req.Password, req.MFACode, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	pair, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, pair)
}

func (s *Server) handleLogout(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	if err := s.auth.Logout(req.RefreshToken); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(c echo.Context) error {
	user := principal(c)
	if user == nil {
		return Fail(c, apperr.Authentication("missing credentials"))
	}
	return OK(c, http.StatusOK, user.ToResponse())
}

type createAPIKeyRequest struct {
	Name       string     `json:"name"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateAPIKey(c echo.Context) error {
	user := principal(c)
	org := orgID(c)
	if org == "" {
		return Fail(c, apperr.Permission("members", "create"))
	}

	var req createAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	full, key, err := s.auth.CreateAPIKey(user.ID, org, req.Name, req.AllowedIPs, req.ExpiresAt)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, map[string]interface{}{
		"key":        full, // shown exactly once
		"id":         key.ID,
		"identifier": key.Identifier,
		"name":       key.Name,
		"expires_at": key.ExpiresAt,
	})
}

type createOrganizationRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

func (s *Server) handleCreateOrganization(c echo.Context) error {
	user := principal(c)

	var req createOrganizationRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}

	org := &tenancy.Organization{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		OwnerID:     user.ID,
	}
	if req.Timezone != "" {
		org.Timezone = req.Timezone
	}
	if err := s.tenants.CreateOrganization(org); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, org)
}

func (s *Server) handleGetOrganization(c echo.Context) error {
	m := membership(c)
	if m == nil || m.OrganizationID != c.Param("id") {
		return Fail(c, apperr.Permission("members", "read"))
	}
	org, err := s.tenants.GetOrganization(c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, org)
}
