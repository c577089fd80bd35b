package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"flowmatic.io/analytics"
	"flowmatic.io/audit"
	"flowmatic.io/auth"
	"flowmatic.io/config"
	"flowmatic.io/connector"
	"flowmatic.io/dispatch"
	"flowmatic.io/documents"
	"flowmatic.io/engine"
	"flowmatic.io/handler"
	"flowmatic.io/metering"
	"flowmatic.io/tenancy"
	"flowmatic.io/workflow"
)

type apiRig struct {
	server     *Server
	db         *gorm.DB
	auth       *auth.Service
	tenants    *tenancy.Store
	meter      *metering.Meter
	workflows  *workflow.Store
	executions *engine.Store
	audits     *audit.Store
	scheduler  *engine.Scheduler
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)

	var models []interface{}
	models = append(models, auth.Models()...)
	models = append(models, tenancy.Models()...)
	models = append(models, metering.Models()...)
	models = append(models, workflow.Models()...)
	models = append(models, engine.Models()...)
	models = append(models, connector.Models()...)
	models = append(models, documents.Models()...)
	models = append(models, &audit.Entry{})
	require.NoError(t, gdb.AutoMigrate(models...))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	audits := audit.NewStore(gdb)
	tenants := tenancy.NewStore(gdb)
	workflows := workflow.NewStore(gdb)
	meter := metering.NewMeter(gdb, metering.DefaultPricing, nil, logger)
	authService := auth.NewService(gdb, audits, auth.Config{JWTSecret: "test-secret"})

	executions := engine.NewStore(gdb, workflows)
	registry := handler.NewRegistry()
	registry.Register(handler.NewVariableHandler())
	registry.Register(handler.NewConditionHandler())
	runner := engine.NewRunner(executions, workflows, registry, logger, 2)
	scheduler := engine.NewScheduler(executions, workflows, runner, nil, logger, engine.SchedulerConfig{
		Workers:   1,
		QueueSize: 8,
	})
	dispatcher := dispatch.NewDispatcher(scheduler, workflows, audits, nil, logger)

	server := NewServer(config.ServerConfig{
		Port:            8080,
		BodyLimit:       "10M",
		ShutdownTimeout: time.Second,
	}, logger, Deps{
		Auth:       authService,
		Tenants:    tenants,
		Meter:      meter,
		Workflows:  workflows,
		Executions: executions,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Documents:  documents.NewService(gdb, documents.NewMemoryObjectStore()),
		Analytics:  analytics.NewService(gdb),
		Connectors: connector.NewStore(gdb, "test-encryption-key", audits),
		Audit:      audits,
	})

	return &apiRig{
		server:     server,
		db:         gdb,
		auth:       authService,
		tenants:    tenants,
		meter:      meter,
		workflows:  workflows,
		executions: executions,
		audits:     audits,
		scheduler:  scheduler,
	}
}

func (rig *apiRig) request(t *testing.T, method, path, token, org string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if org != "" {
		req.Header.Set("X-Organization-ID", org)
	}
	rec := httptest.NewRecorder()
	rig.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

// seedUser registers a principal with an owned organization and returns
// an access token plus the org id.
func (rig *apiRig) seedUser(t *testing.T, email, slug string) (token, org string) {
	t.Helper()
	_, err := rig.auth.CreateUser(email, "Test User", "password123")
	require.NoError(t, err)
	result, err := rig.auth.Login(email, "password123", "", "", "")
	require.NoError(t, err)

	organization := &tenancy.Organization{Name: slug, Slug: slug, OwnerID: result.User.ID}
	require.NoError(t, rig.tenants.CreateOrganization(organization))
	return result.AccessToken, organization.ID
}

func (rig *apiRig) seedViewer(t *testing.T, email, org string) string {
	t.Helper()
	user, err := rig.auth.CreateUser(email, "Viewer", "password123")
	require.NoError(t, err)
	viewerRole, err := rig.tenants.GetRoleByKind(org, tenancy.RoleViewer)
	require.NoError(t, err)
	_, err = rig.tenants.AddMember(org, user.ID, viewerRole.ID)
	require.NoError(t, err)

	result, err := rig.auth.Login(email, "password123", "", "", "")
	require.NoError(t, err)
	return result.AccessToken
}

func workflowBody() map[string]interface{} {
	return map[string]interface{}{
		"name": "test workflow",
		"definition": map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"id": "a", "type": "variable", "config": map[string]interface{}{"name": "x", "value": 42}},
			},
			"edges": []map[string]interface{}{},
		},
		"status": "active",
	}
}

func TestLoginEnvelope(t *testing.T) {
	rig := newAPIRig(t)
	_, err := rig.auth.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	rec := rig.request(t, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeEnvelope(t, rec)
	assert.Equal(t, true, payload["success"])
	data := payload["data"].(map[string]interface{})
	assert.NotEmpty(t, data["access_token"])
	assert.NotEmpty(t, data["refresh_token"])
}

func TestLoginFailureEnvelope(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.request(t, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"email":    "ghost@example.com",
		"password": "nope",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	payload := decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["success"])
	errBody := payload["error"].(map[string]interface{})
	assert.Equal(t, "authentication", errBody["code"])
}

func TestMissingCredentials(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.request(t, http.MethodGet, "/api/v1/workflows", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateThenReadWorkflow(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	id := created["ID"].(string)
	require.NotEmpty(t, id)

	rec = rig.request(t, http.MethodGet, "/api/v1/workflows/"+id, token, org, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loaded := decodeEnvelope(t, rec)["data"].(map[string]interface{})

	// Create-then-read returns the same definition.
	assert.Equal(t, created["Definition"], loaded["Definition"])
	assert.Equal(t, org, rec.Header().Get("X-Organization-ID"))
}

func TestInvalidDefinitionRejected(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	body := map[string]interface{}{
		"name": "cyclic",
		"definition": map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"id": "a", "type": "variable"},
				{"id": "b", "type": "variable"},
			},
			"edges": []map[string]interface{}{
				{"id": "e1", "source": "a", "target": "b"},
				{"id": "e2", "source": "b", "target": "a"},
			},
		},
	}
	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeEnvelope(t, rec)
	errBody := payload["error"].(map[string]interface{})
	assert.Equal(t, "validation", errBody["code"])
}

func TestPermissionDenied(t *testing.T) {
	rig := newAPIRig(t)
	_, org := rig.seedUser(t, "owner@example.com", "acme")
	viewerToken := rig.seedViewer(t, "viewer@example.com", org)

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", viewerToken, org, workflowBody())
	require.Equal(t, http.StatusForbidden, rec.Code)

	payload := decodeEnvelope(t, rec)
	errBody := payload["error"].(map[string]interface{})
	assert.Equal(t, "permission", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	assert.Equal(t, "workflows", details["module"])
	assert.Equal(t, "create", details["action"])

	// No workflow row was created.
	workflows, total, err := rig.workflows.List(org, workflow.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, workflows)
	assert.Zero(t, total)

	// The denial was audited.
	entries, err := rig.audits.Query(audit.SearchCriteria{
		OrganizationID: org,
		Action:         audit.ActionPermissionDenied,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestQuotaBlockOnExecute(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeEnvelope(t, rec)["data"].(map[string]interface{})["ID"].(string)

	// Exhausted executions quota.
	require.NoError(t, rig.meter.CreateQuota(&metering.Quota{
		OrganizationID: org,
		QuotaType:      metering.KindExecutions,
		Period:         metering.PeriodMonthly,
		Limit:          1,
		IsEnforced:     true,
	}))
	require.NoError(t, rig.db.Model(&metering.Quota{}).
		Where("organization_id = ?", org).
		Update("current_usage", 1).Error)

	rec = rig.request(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/execute", id), token, org, map[string]interface{}{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	payload := decodeEnvelope(t, rec)
	errBody := payload["error"].(map[string]interface{})
	assert.Equal(t, "quota_exceeded", errBody["code"])

	// Quota headers are present.
	assert.Equal(t, "1", rec.Header().Get("X-Quota-Executions-Used"))
	assert.Equal(t, "1", rec.Header().Get("X-Quota-Executions-Limit"))

	// No execution row was created.
	_, total, err := rig.executions.ListExecutions(org, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExecuteSubmitsExecution(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeEnvelope(t, rec)["data"].(map[string]interface{})["ID"].(string)

	rec = rig.request(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/execute", id), token, org, map[string]interface{}{
		"input": map[string]interface{}{"k": "v"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "pending", data["Status"])

	_, total, err := rig.executions.ListExecutions(org, id, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestExecuteInactiveWorkflowFailsValidation(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	body := workflowBody()
	body["status"] = "draft"
	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeEnvelope(t, rec)["data"].(map[string]interface{})["ID"].(string)

	rec = rig.request(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/execute", id), token, org, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookWrongTokenRejected(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeEnvelope(t, rec)["data"].(map[string]interface{})["ID"].(string)

	wf, err := rig.workflows.Get(org, id)
	require.NoError(t, err)
	trigger := &workflow.Trigger{WorkflowID: wf.ID, Name: "hook", Kind: workflow.TriggerWebhook}
	require.NoError(t, rig.workflows.CreateTrigger(trigger))

	// Wrong token: 401, no execution, audited.
	rec = rig.request(t, http.MethodPost,
		fmt.Sprintf("/webhooks/workflows/%s/%s", wf.ID, "wrong-token"), "", "",
		map[string]interface{}{"payload": true})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, total, err := rig.executions.ListExecutions(org, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	entries, err := rig.audits.Query(audit.SearchCriteria{Action: audit.ActionWebhookRejected})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Correct token: execution submitted with the body as input.
	rec = rig.request(t, http.MethodPost,
		fmt.Sprintf("/webhooks/workflows/%s/%s", wf.ID, trigger.WebhookSecret), "", "",
		map[string]interface{}{"payload": true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	executions, total, err := rig.executions.ListExecutions(org, wf.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, map[string]interface{}{"payload": true}, executions[0].Input)

	// The trigger counters were bumped.
	updated, err := rig.workflows.GetTrigger(trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ExecutionCount)
	assert.NotNil(t, updated.LastTriggeredAt)
}

func TestVersionEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeEnvelope(t, rec)["data"].(map[string]interface{})["ID"].(string)

	// Snapshot a second version with a different definition.
	rec = rig.request(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/create_version", id), token, org,
		map[string]interface{}{
			"definition": map[string]interface{}{
				"nodes": []map[string]interface{}{
					{"id": "a", "type": "variable", "config": map[string]interface{}{"name": "x", "value": 1}},
					{"id": "b", "type": "variable", "config": map[string]interface{}{"name": "y", "value": 2}},
				},
				"edges": []map[string]interface{}{{"id": "e1", "source": "a", "target": "b"}},
			},
			"summary": "add b",
		})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Roll back to version 1; both versions remain listed.
	rec = rig.request(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/rollback", id), token, org,
		map[string]interface{}{"version": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.request(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%s/versions", id), token, org, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decodeEnvelope(t, rec)["data"].([]interface{})
	assert.Len(t, versions, 2)

	wf, err := rig.workflows.Get(org, id)
	require.NoError(t, err)
	assert.Len(t, wf.Definition.Nodes, 1, "definition restored to version 1")
}

func TestPaginationEnvelope(t *testing.T) {
	rig := newAPIRig(t)
	token, org := rig.seedUser(t, "alice@example.com", "acme")

	for i := 0; i < 3; i++ {
		body := workflowBody()
		body["name"] = fmt.Sprintf("wf-%d", i)
		rec := rig.request(t, http.MethodPost, "/api/v1/workflows", token, org, body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := rig.request(t, http.MethodGet, "/api/v1/workflows?page=1&page_size=2", token, org, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, 3.0, data["count"])
	assert.Equal(t, 2.0, data["page_size"])
	assert.Equal(t, 2.0, data["total_pages"])
	assert.Equal(t, 1.0, data["current_page"])
	assert.Equal(t, 2.0, *jsonNumber(data["next"]))
	assert.Nil(t, data["previous"])
	results := data["results"].([]interface{})
	assert.Len(t, results, 2)
}

func jsonNumber(v interface{}) *float64 {
	if n, ok := v.(float64); ok {
		return &n
	}
	return nil
}
