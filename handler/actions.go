package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"flowmatic.io/apperr"
	"flowmatic.io/notify"
	"flowmatic.io/workflow"
)

// EmailHandler hands email nodes off to the notifier.
type EmailHandler struct {
	notifier notify.Notifier
}

// NewEmailHandler creates the email handler.
func NewEmailHandler(notifier notify.Notifier) *EmailHandler {
	return &EmailHandler{notifier: notifier}
}

// Name returns the handler identifier.
func (h *EmailHandler) Name() string { return "email" }

// CanHandle matches email nodes.
func (h *EmailHandler) CanHandle(nodeType string) bool { return nodeType == "email" }

// Execute composes the message and hands it to the notifier.
func (h *EmailHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.EmailSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not an email node", inv.Node.ID)
	}
	if len(spec.To) == 0 {
		return nil, apperr.Validation("email node %s has no recipients", inv.Node.ID)
	}

	for _, to := range spec.To {
		message := notify.Message{
			Channel: notify.ChannelEmail,
			To:      to,
			Subject: spec.Subject,
			Body:    spec.Body,
		}
		if err := h.notifier.Send(ctx, message); err != nil {
			return nil, apperr.Upstream("email delivery to %s failed", to).Wrap(err)
		}
	}
	return &Result{Output: map[string]interface{}{
		"status":     "sent",
		"recipients": len(spec.To),
	}}, nil
}

// WebhookHandler posts rendered bodies to configured URLs. Anything other
// than a 2xx response fails the step.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates the outbound webhook handler.
func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{client: &http.Client{Timeout: timeout}}
}

// Name returns the handler identifier.
func (h *WebhookHandler) Name() string { return "webhook" }

// CanHandle matches webhook nodes.
func (h *WebhookHandler) CanHandle(nodeType string) bool { return nodeType == "webhook" }

// Execute posts the configured JSON body to the target URL.
func (h *WebhookHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.WebhookSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not a webhook node", inv.Node.ID)
	}
	if spec.URL == "" {
		return nil, apperr.Validation("webhook node %s has no url", inv.Node.ID)
	}

	body, err := json.Marshal(spec.Body)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Validation("webhook node %s has an invalid url", inv.Node.ID).Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range spec.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("webhook call failed").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Upstream("webhook returned status %d", resp.StatusCode)
	}
	return &Result{Output: map[string]interface{}{
		"status":      "called",
		"status_code": resp.StatusCode,
	}}, nil
}

// HTTPRequestHandler performs generic outbound HTTP calls.
type HTTPRequestHandler struct {
	client *http.Client
}

// NewHTTPRequestHandler creates the generic HTTP handler.
func NewHTTPRequestHandler(timeout time.Duration) *HTTPRequestHandler {
	return &HTTPRequestHandler{client: &http.Client{Timeout: timeout}}
}

// Name returns the handler identifier.
func (h *HTTPRequestHandler) Name() string { return "http_request" }

// CanHandle matches http_request nodes.
func (h *HTTPRequestHandler) CanHandle(nodeType string) bool { return nodeType == "http_request" }

// Execute performs the configured request and returns status, headers not
// included, and the decoded body (raw text when not JSON).
func (h *HTTPRequestHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.HTTPRequestSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not an http_request node", inv.Node.ID)
	}
	if spec.URL == "" {
		return nil, apperr.Validation("http_request node %s has no url", inv.Node.ID)
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if spec.Body != nil {
		encoded, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, reader)
	if err != nil {
		return nil, apperr.Validation("http_request node %s has an invalid url", inv.Node.ID).Wrap(err)
	}
	if spec.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range spec.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("http request failed").Wrap(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperr.Upstream("failed to read response body").Wrap(err)
	}

	output := map[string]interface{}{"status_code": resp.StatusCode}
	var decoded interface{}
	if json.Unmarshal(payload, &decoded) == nil {
		output["body"] = decoded
	} else {
		output["body"] = string(payload)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Upstream("http request returned status %d", resp.StatusCode)
	}
	return &Result{Output: output}, nil
}

// DelayHandler sleeps for the configured number of seconds. The sleep is a
// suspension point and honors cancellation.
type DelayHandler struct{}

// NewDelayHandler creates the delay handler.
func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

// Name returns the handler identifier.
func (h *DelayHandler) Name() string { return "delay" }

// CanHandle matches delay nodes.
func (h *DelayHandler) CanHandle(nodeType string) bool { return nodeType == "delay" }

// Execute waits for config.seconds or until the context is cancelled.
func (h *DelayHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.DelaySpec)
	if !ok {
		return nil, apperr.Validation("node %s is not a delay node", inv.Node.ID)
	}
	if spec.Seconds < 0 {
		return nil, apperr.Validation("delay node %s has a negative duration", inv.Node.ID)
	}

	timer := time.NewTimer(time.Duration(spec.Seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return &Result{Output: map[string]interface{}{
		"status":  "completed",
		"delayed": spec.Seconds,
	}}, nil
}

// VariableHandler assigns a named value into the context.
type VariableHandler struct{}

// NewVariableHandler creates the variable handler.
func NewVariableHandler() *VariableHandler { return &VariableHandler{} }

// Name returns the handler identifier.
func (h *VariableHandler) Name() string { return "variable" }

// CanHandle matches variable nodes.
func (h *VariableHandler) CanHandle(nodeType string) bool { return nodeType == "variable" }

// Execute returns the configured assignment; the runner merges it into the
// context under the node id.
func (h *VariableHandler) Execute(_ context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.VariableSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not a variable node", inv.Node.ID)
	}
	if spec.Name == "" {
		return nil, apperr.Validation("variable node %s has no name", inv.Node.ID)
	}
	return &Result{Output: map[string]interface{}{spec.Name: spec.Value}}, nil
}

// ensure the built-ins satisfy Handler
var (
	_ Handler = (*AIHandler)(nil)
	_ Handler = (*ConnectorHandler)(nil)
	_ Handler = (*EmailHandler)(nil)
	_ Handler = (*WebhookHandler)(nil)
	_ Handler = (*HTTPRequestHandler)(nil)
	_ Handler = (*DelayHandler)(nil)
	_ Handler = (*ConditionHandler)(nil)
	_ Handler = (*VariableHandler)(nil)
)

// Builtin registers every built-in handler on a registry.
func Builtin(registry *Registry, ai *AIHandler, connector *ConnectorHandler, email *EmailHandler, webhookTimeout, httpTimeout time.Duration) {
	registry.Register(ai)
	registry.Register(connector)
	registry.Register(email)
	registry.Register(NewWebhookHandler(webhookTimeout))
	registry.Register(NewHTTPRequestHandler(httpTimeout))
	registry.Register(NewDelayHandler())
	registry.Register(NewConditionHandler())
	registry.Register(NewVariableHandler())
}
