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

// AIResponse is the result of one AI service call.
type AIResponse struct {
	Text         string
	Provider     string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// AIClient is the narrow interface to the external AI service. Tests
// replace it with an in-memory fake.
type AIClient interface {
	Generate(ctx context.Context, model, prompt, systemPrompt string) (*AIResponse, error)
}

// PromptCache deduplicates AI calls by prompt hash within a TTL. Lookup
// returns the cached response text and whether the lookup hit.
type PromptCache interface {
	Lookup(ctx context.Context, prompt, model string) (string, bool, error)
	Store(ctx context.Context, prompt, model, response string) error
}

// AIRequestRecord captures one outbound AI call for persistence.
type AIRequestRecord struct {
	ExecutionID  string
	StepID       string
	Provider     string
	Model        string
	Prompt       string
	SystemPrompt string
	Response     string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     time.Duration
	Success      bool
	ErrorMessage string
}

// AIRecorder persists AI request records. Implemented by the engine
// store.
type AIRecorder interface {
	RecordAIRequest(ctx context.Context, record *AIRequestRecord) error
}

// AIHandler implements every ai_* node type: cache lookup, AI service
// dispatch, request recording, and token/cost accounting via the returned
// Result.
type AIHandler struct {
	client       AIClient
	cache        PromptCache
	recorder     AIRecorder
	defaultModel string
}

// NewAIHandler creates the AI handler. cache and recorder may be nil in
// reduced wirings.
func NewAIHandler(client AIClient, cache PromptCache, recorder AIRecorder, defaultModel string) *AIHandler {
	return &AIHandler{client: client, cache: cache, recorder: recorder, defaultModel: defaultModel}
}

// Name returns the handler identifier.
func (h *AIHandler) Name() string { return "ai" }

// CanHandle matches every ai_* node type.
func (h *AIHandler) CanHandle(nodeType string) bool {
	return strings.HasPrefix(nodeType, "ai_")
}

// Execute runs one AI node. The semantic cache is consulted first; a hit
// short-circuits the AI call and marks the output cached.
func (h *AIHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.AISpec)
	if !ok {
		return nil, apperr.Validation("node %s is not an AI node", inv.Node.ID)
	}
	if spec.Prompt == "" {
		return nil, apperr.Validation("AI node %s has no prompt", inv.Node.ID)
	}
	model := spec.Model
	if model == "" {
		model = h.defaultModel
	}

	if h.cache != nil {
		cached, hit, err := h.cache.Lookup(ctx, spec.Prompt, model)
		if err == nil && hit {
			return &Result{Output: map[string]interface{}{
				"output": cached,
				"cached": true,
			}}, nil
		}
	}

	started := time.Now()
	response, err := h.client.Generate(ctx, model, spec.Prompt, spec.SystemPrompt)
	elapsed := time.Since(started)

	if err != nil {
		h.record(ctx, inv, spec, model, nil, elapsed, err)
		return nil, apperr.Upstream("AI call failed").Wrap(err)
	}

	h.record(ctx, inv, spec, model, response, elapsed, nil)

	if h.cache != nil {
		// Best effort: a cache write failure never fails the step.
		_ = h.cache.Store(ctx, spec.Prompt, model, response.Text)
	}

	return &Result{
		Output: map[string]interface{}{
			"output": response.Text,
			"cached": false,
		},
		Tokens: response.InputTokens + response.OutputTokens,
		Cost:   response.Cost,
	}, nil
}

func (h *AIHandler) record(ctx context.Context, inv Invocation, spec workflow.AISpec, model string, response *AIResponse, elapsed time.Duration, callErr error) {
	if h.recorder == nil {
		return
	}
	record := &AIRequestRecord{
		ExecutionID:  inv.ExecutionID,
		StepID:       inv.StepID,
		Model:        model,
		Prompt:       spec.Prompt,
		SystemPrompt: spec.SystemPrompt,
		Duration:     elapsed,
		Success:      callErr == nil,
	}
	if response != nil {
		record.Provider = response.Provider
		record.Response = response.Text
		record.InputTokens = response.InputTokens
		record.OutputTokens = response.OutputTokens
		record.Cost = response.Cost
	}
	if callErr != nil {
		record.ErrorMessage = callErr.Error()
	}
	_ = h.recorder.RecordAIRequest(ctx, record)
}

// HTTPAIClient calls the AI service collaborator over HTTP.
type HTTPAIClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPAIClient creates an AI client against the configured service URL.
func NewHTTPAIClient(url, apiKey string, timeout time.Duration) *HTTPAIClient {
	return &HTTPAIClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type aiServiceRequest struct {
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type aiServiceResponse struct {
	Text         string  `json:"text"`
	Provider     string  `json:"provider"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Generate posts the prompt to the AI service and decodes the completion.
func (c *HTTPAIClient) Generate(ctx context.Context, model, prompt, systemPrompt string) (*AIResponse, error) {
	body, err := json.Marshal(aiServiceRequest{Model: model, Prompt: prompt, SystemPrompt: systemPrompt})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("AI service returned %d: %s", resp.StatusCode, string(payload))
	}

	var decoded aiServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode AI service response: %w", err)
	}
	return &AIResponse{
		Text:         decoded.Text,
		Provider:     decoded.Provider,
		InputTokens:  decoded.InputTokens,
		OutputTokens: decoded.OutputTokens,
		Cost:         decoded.Cost,
	}, nil
}
