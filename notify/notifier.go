// Package notify provides the multi-channel notifier seam. Delivery
// itself (SMTP, Slack workspaces) is an external collaborator; this
// package hands messages to its HTTP API and fans quota alerts out to it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channels supported by the delivery collaborator.
const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
	ChannelInApp = "in_app"
)

// Message is one notification to deliver.
type Message struct {
	Channel  string                 `json:"channel"`
	To       string                 `json:"to"`
	Subject  string                 `json:"subject,omitempty"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Notifier delivers messages. Tests replace it with an in-memory fake.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// HTTPNotifier posts messages to the delivery service's HTTP API.
type HTTPNotifier struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPNotifier creates a notifier against the configured delivery
// service URL.
func NewHTTPNotifier(url, apiKey string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts one message. Anything other than a 2xx response is an error.
func (n *HTTPNotifier) Send(ctx context.Context, message Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification delivery returned %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}

// QuotaAlerter adapts a Notifier to the metering alert sink.
type QuotaAlerter struct {
	notifier Notifier
}

// NewQuotaAlerter creates the metering alert adapter.
func NewQuotaAlerter(notifier Notifier) *QuotaAlerter {
	return &QuotaAlerter{notifier: notifier}
}

// QuotaAlert delivers a threshold-crossing notification for an
// organization's quota.
func (a *QuotaAlerter) QuotaAlert(ctx context.Context, orgID, quotaType, threshold string, usagePercent float64) error {
	return a.notifier.Send(ctx, Message{
		Channel: ChannelInApp,
		To:      orgID,
		Subject: fmt.Sprintf("Usage %s: %s", threshold, quotaType),
		Body:    fmt.Sprintf("The %s quota has reached %.1f%% of its limit.", quotaType, usagePercent),
		Metadata: map[string]interface{}{
			"organization_id": orgID,
			"quota_type":      quotaType,
			"threshold":       threshold,
		},
	})
}
