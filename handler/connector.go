package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowmatic.io/apperr"
	"flowmatic.io/workflow"
)

// ConnectorClient invokes an action on a third-party provider through the
// connector service collaborator.
type ConnectorClient interface {
	Invoke(ctx context.Context, provider, action string, credentials map[string]interface{}, payload map[string]interface{}) (map[string]interface{}, error)
}

// CredentialSource supplies decrypted connector credentials at the point
// of use. Implemented by the connector store.
type CredentialSource interface {
	Credentials(ctx context.Context, orgID, provider string) (map[string]interface{}, error)
}

// ConnectorHandler implements every connector_* node type.
type ConnectorHandler struct {
	client      ConnectorClient
	credentials CredentialSource
}

// NewConnectorHandler creates the connector handler.
func NewConnectorHandler(client ConnectorClient, credentials CredentialSource) *ConnectorHandler {
	return &ConnectorHandler{client: client, credentials: credentials}
}

// Name returns the handler identifier.
func (h *ConnectorHandler) Name() string { return "connector" }

// CanHandle matches every connector_* node type.
func (h *ConnectorHandler) CanHandle(nodeType string) bool {
	return strings.HasPrefix(nodeType, "connector_")
}

// Execute resolves the provider credentials and invokes the configured
// action. Credentials are decrypted here, at the point of use, and never
// placed into the context.
func (h *ConnectorHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.ConnectorSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not a connector node", inv.Node.ID)
	}
	if spec.Action == "" {
		return nil, apperr.Validation("connector node %s has no action", inv.Node.ID)
	}

	var credentials map[string]interface{}
	if h.credentials != nil {
		var err error
		credentials, err = h.credentials.Credentials(ctx, inv.OrganizationID, spec.Provider)
		if err != nil {
			return nil, err
		}
	}

	output, err := h.client.Invoke(ctx, spec.Provider, spec.Action, credentials, spec.Payload)
	if err != nil {
		return nil, apperr.Upstream("connector %s action %s failed", spec.Provider, spec.Action).Wrap(err)
	}
	return &Result{Output: output}, nil
}

// HTTPConnectorClient calls the connector service over HTTP.
type HTTPConnectorClient struct {
	url    string
	client *http.Client
}

// NewHTTPConnectorClient creates a connector client against the configured
// service URL.
func NewHTTPConnectorClient(url string, timeout time.Duration) *HTTPConnectorClient {
	return &HTTPConnectorClient{url: url, client: &http.Client{Timeout: timeout}}
}

type connectorServiceRequest struct {
	Provider    string                 `json:"provider"`
	Action      string                 `json:"action"`
	Credentials map[string]interface{} `json:"credentials,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Invoke posts the action to the connector service.
func (c *HTTPConnectorClient) Invoke(ctx context.Context, provider, action string, credentials, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(connectorServiceRequest{
		Provider:    provider,
		Action:      action,
		Credentials: credentials,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("connector service returned %d: %s", resp.StatusCode, string(payload))
	}

	var output map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, fmt.Errorf("failed to decode connector response: %w", err)
	}
	return output, nil
}
