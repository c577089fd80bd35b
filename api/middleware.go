package api

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"flowmatic.io/apperr"
	"flowmatic.io/audit"
	"flowmatic.io/auth"
	"flowmatic.io/metering"
	"flowmatic.io/tenancy"
)

// Context keys set by the gate middleware.
const (
	ctxPrincipal  = "principal"
	ctxMembership = "membership"
	ctxOrgID      = "organization_id"
)

// principal returns the authenticated user from the request context.
func principal(c echo.Context) *auth.User {
	user, _ := c.Get(ctxPrincipal).(*auth.User)
	return user
}

// membership returns the resolved organization membership, nil when the
// request carries no organization context.
func membership(c echo.Context) *tenancy.Membership {
	m, _ := c.Get(ctxMembership).(*tenancy.Membership)
	return m
}

// orgID returns the resolved organization id, empty without context.
func orgID(c echo.Context) string {
	id, _ := c.Get(ctxOrgID).(string)
	return id
}

// Authenticate validates the bearer token or API key and loads the
// principal. Requests without valid credentials are rejected.
func (s *Server) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		header := c.Request().Header.Get(echo.HeaderAuthorization)

		switch {
		case strings.HasPrefix(header, "Bearer "):
			user, err := s.auth.ValidateAccessToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return Fail(c, err)
			}
			c.Set(ctxPrincipal, user)

		case strings.HasPrefix(header, "ApiKey "):
			user, key, err := s.auth.ValidateAPIKey(strings.TrimPrefix(header, "ApiKey "), ip)
			if err != nil {
				return Fail(c, err)
			}
			c.Set(ctxPrincipal, user)
			if key.OrganizationID != "" {
				c.Set(ctxOrgID, key.OrganizationID)
			}

		case c.Request().Header.Get("X-API-Key") != "":
			user, key, err := s.auth.ValidateAPIKey(c.Request().Header.Get("X-API-Key"), ip)
			if err != nil {
				return Fail(c, err)
			}
			c.Set(ctxPrincipal, user)
			if key.OrganizationID != "" {
				c.Set(ctxOrgID, key.OrganizationID)
			}

		default:
			return Fail(c, apperr.Authentication("missing credentials"))
		}

		return next(c)
	}
}

// OrgContext resolves the organization: explicit header, then query
// parameter, then the API key's bound organization, then the principal's
// first active membership. The request proceeds without context when none
// resolves; routes that need it fail at the permission gate.
func (s *Server) OrgContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := principal(c)
		if user == nil {
			return next(c)
		}

		requested := c.Request().Header.Get("X-Organization-ID")
		if requested == "" {
			requested = c.QueryParam("organization_id")
		}
		if requested == "" {
			if bound := orgID(c); bound != "" {
				requested = bound
			}
		}

		if requested != "" {
			m, err := s.tenants.GetMembership(requested, user.ID)
			if err == nil {
				c.Set(ctxMembership, m)
				c.Set(ctxOrgID, requested)
				c.Response().Header().Set("X-Organization-ID", requested)
			}
			return next(c)
		}

		if m, err := s.tenants.FirstMembership(user.ID); err == nil {
			c.Set(ctxMembership, m)
			c.Set(ctxOrgID, m.OrganizationID)
			c.Response().Header().Set("X-Organization-ID", m.OrganizationID)
		}
		return next(c)
	}
}

// requirePermission enforces membership.Permission(module, action) and
// audits denials. Routes without organization context are denied.
func (s *Server) requirePermission(c echo.Context, module, action string) error {
	m := membership(c)
	if m == nil {
		return apperr.Permission(module, action)
	}
	if !m.Permission(module, action) {
		user := principal(c)
		entry := &audit.Entry{
			Action:         audit.ActionPermissionDenied,
			OrganizationID: m.OrganizationID,
			Resource:       module,
			IPAddress:      c.RealIP(),
			UserAgent:      c.Request().UserAgent(),
			Success:        false,
			Details:        map[string]interface{}{"module": module, "action": action},
		}
		if user != nil {
			entry.ActorID = user.ID
			entry.ActorEmail = user.Email
		}
		s.audit.Append(entry)
		return apperr.Permission(module, action)
	}
	return nil
}

// quotaKind classifies a route to the quota it consumes.
func quotaKind(method, path string) string {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return ""
	}
	switch {
	case strings.Contains(path, "/execute") || strings.Contains(path, "/executions"):
		return metering.KindExecutions
	case strings.Contains(path, "/documents"):
		return metering.KindDocuments
	case strings.Contains(path, "/ai"):
		return metering.KindAITokens
	default:
		return metering.KindAPICalls
	}
}

// QuotaGuard enforces usage quotas on mutating routes: a pre-check
// rejects exhausted quotas before any state mutation, and the counter is
// incremented after a successful response. Every response carries the
// relevant quota headers.
func (s *Server) QuotaGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		org := orgID(c)
		if org == "" {
			return next(c)
		}

		kind := quotaKind(c.Request().Method, c.Path())
		if kind == "" {
			s.writeQuotaHeaders(c, org, metering.KindAPICalls)
			return next(c)
		}

		ctx := c.Request().Context()
		if err := s.meter.Check(ctx, org, kind, 1); err != nil {
			if apperr.IsKind(err, apperr.KindQuotaExceeded) {
				s.audit.Append(&audit.Entry{
					Action:         audit.ActionQuotaExceeded,
					OrganizationID: org,
					Resource:       kind,
					Success:        false,
				})
			}
			s.writeQuotaHeaders(c, org, kind)
			return Fail(c, err)
		}

		// Charge after the handler succeeds; the response hook runs once
		// the status is known.
		c.Response().Before(func() {
			status := c.Response().Status
			if status >= 200 && status < 300 {
				if err := s.meter.Charge(ctx, org, kind, 1, ""); err != nil {
					s.logger.WithError(err).Warn("post-response quota charge failed")
				}
			}
			s.writeQuotaHeaders(c, org, kind)
		})

		return next(c)
	}
}

// writeQuotaHeaders adds X-Quota-<Kind>-Used/Limit headers for the kind.
func (s *Server) writeQuotaHeaders(c echo.Context, org, kind string) {
	used, limit, found, err := s.meter.Usage(c.Request().Context(), org, kind)
	if err != nil || !found {
		return
	}
	label := headerLabel(kind)
	c.Response().Header().Set("X-Quota-"+label+"-Used", strconv.FormatInt(used, 10))
	c.Response().Header().Set("X-Quota-"+label+"-Limit", strconv.FormatInt(limit, 10))
}

func headerLabel(kind string) string {
	switch kind {
	case metering.KindExecutions:
		return "Executions"
	case metering.KindDocuments:
		return "Documents"
	case metering.KindAITokens:
		return "AI"
	case metering.KindAPICalls:
		return "API"
	}
	if kind == "" {
		return kind
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
