package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"flowmatic.io/analytics"
	"flowmatic.io/apperr"
	"flowmatic.io/audit"
)

// handleInboundWebhook is the external webhook trigger endpoint. The
// opaque path token authenticates the request; there is no principal.
func (s *Server) handleInboundWebhook(c echo.Context) error {
	var body map[string]interface{}
	if c.Request().Body != nil {
		// An empty or non-JSON body becomes empty input.
		decoder := json.NewDecoder(c.Request().Body)
		decoder.Decode(&body)
	}
	if body == nil {
		body = map[string]interface{}{}
	}

	ex, err := s.dispatcher.HandleWebhook(
		c.Request().Context(), c.Param("workflow_id"), c.Param("token"), body)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusAccepted, map[string]string{
		"execution_id": ex.ID,
		"status":       string(ex.Status),
	})
}

func (s *Server) handleUploadDocument(c echo.Context) error {
	if err := s.requirePermission(c, "documents", "create"); err != nil {
		return Fail(c, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return Fail(c, apperr.Validation("multipart field %q is required", "file"))
	}
	src, err := file.Open()
	if err != nil {
		return Fail(c, apperr.Internal(err))
	}
	defer src.Close()

	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}
	mimeType := file.Header.Get("Content-Type")

	doc, err := s.documents.Upload(c.Request().Context(), orgID(c), name, mimeType, principal(c).ID, src)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	if err := s.requirePermission(c, "documents", "read"); err != nil {
		return Fail(c, err)
	}
	page, pageSize := parsePage(c)
	docs, total, err := s.documents.List(orgID(c), pageSize, (page-1)*pageSize)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, Paginate(docs, total, page, pageSize))
}

func (s *Server) handleGetDocument(c echo.Context) error {
	if err := s.requirePermission(c, "documents", "read"); err != nil {
		return Fail(c, err)
	}
	doc, err := s.documents.Get(orgID(c), c.Param("id"))
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.requirePermission(c, "documents", "delete"); err != nil {
		return Fail(c, err)
	}
	if err := s.documents.Delete(c.Request().Context(), orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "deleted"})
}

type saveConnectionRequest struct {
	Provider    string                 `json:"provider"`
	Name        string                 `json:"name,omitempty"`
	Credentials map[string]interface{} `json:"credentials"`
}

func (s *Server) handleSaveConnection(c echo.Context) error {
	if err := s.requirePermission(c, "connections", "create"); err != nil {
		return Fail(c, err)
	}
	var req saveConnectionRequest
	if err := c.Bind(&req); err != nil {
		return Fail(c, apperr.Validation("malformed request body"))
	}
	conn, err := s.connectors.Save(orgID(c), req.Provider, req.Name, req.Credentials, principal(c).ID)
	if err != nil {
		return Fail(c, err)
	}
	// Never echo credential material back.
	conn.EncryptedCredentials = ""
	return OK(c, http.StatusCreated, conn)
}

func (s *Server) handleListConnections(c echo.Context) error {
	if err := s.requirePermission(c, "connections", "read"); err != nil {
		return Fail(c, err)
	}
	connections, err := s.connectors.List(orgID(c))
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, connections)
}

func (s *Server) handleDeleteConnection(c echo.Context) error {
	if err := s.requirePermission(c, "connections", "delete"); err != nil {
		return Fail(c, err)
	}
	if err := s.connectors.Delete(orgID(c), c.Param("id")); err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListQuotas(c echo.Context) error {
	if err := s.requirePermission(c, "quotas", "read"); err != nil {
		return Fail(c, err)
	}
	// One lookup per known kind keeps the endpoint simple.
	kinds := []string{"workflows", "executions", "api_calls", "storage", "members", "ai_tokens", "documents"}
	var quotas []map[string]interface{}
	for _, kind := range kinds {
		used, limit, found, err := s.meter.Usage(c.Request().Context(), orgID(c), kind)
		if err != nil {
			return Fail(c, err)
		}
		if found {
			quotas = append(quotas, map[string]interface{}{
				"quota_type": kind,
				"used":       used,
				"limit":      limit,
			})
		}
	}
	return OK(c, http.StatusOK, quotas)
}

func (s *Server) handleListUsageEvents(c echo.Context) error {
	if err := s.requirePermission(c, "quotas", "read"); err != nil {
		return Fail(c, err)
	}
	events, err := s.meter.Events(c.Request().Context(), orgID(c), 100)
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, events)
}

func (s *Server) handleDashboard(c echo.Context) error {
	if err := s.requirePermission(c, "analytics", "read"); err != nil {
		return Fail(c, err)
	}
	dashboard, err := s.analytics.Dashboard(orgID(c), analytics.Period(c.QueryParam("period")))
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, dashboard)
}

func (s *Server) handleListAudit(c echo.Context) error {
	if err := s.requirePermission(c, "audit", "read"); err != nil {
		return Fail(c, err)
	}
	page, pageSize := parsePage(c)
	entries, err := s.audit.Query(audit.SearchCriteria{
		OrganizationID: orgID(c),
		Limit:          pageSize,
		Offset:         (page - 1) * pageSize,
	})
	if err != nil {
		return Fail(c, err)
	}
	return OK(c, http.StatusOK, entries)
}
