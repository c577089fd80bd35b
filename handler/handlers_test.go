package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmatic.io/apperr"
	"flowmatic.io/notify"
	"flowmatic.io/workflow"
)

// fakeAIClient returns a canned response and counts calls.
type fakeAIClient struct {
	mu       sync.Mutex
	calls    int
	response *AIResponse
	err      error
}

func (f *fakeAIClient) Generate(_ context.Context, model, prompt, _ string) (*AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// fakePromptCache is an in-memory PromptCache.
type fakePromptCache struct {
	mu      sync.Mutex
	entries map[string]string
	hits    int
}

func newFakePromptCache() *fakePromptCache {
	return &fakePromptCache{entries: make(map[string]string)}
}

func (f *fakePromptCache) Lookup(_ context.Context, prompt, model string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	response, ok := f.entries[prompt+"|"+model]
	if ok {
		f.hits++
	}
	return response, ok, nil
}

func (f *fakePromptCache) Store(_ context.Context, prompt, model, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[prompt+"|"+model] = response
	return nil
}

// fakeRecorder collects AI request records.
type fakeRecorder struct {
	mu      sync.Mutex
	records []*AIRequestRecord
}

func (f *fakeRecorder) RecordAIRequest(_ context.Context, record *AIRequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func aiInvocation(prompt string) Invocation {
	return Invocation{
		Node: workflow.Node{
			ID:   "summarize",
			Type: "ai_text",
			Config: map[string]interface{}{
				"prompt": prompt,
			},
		},
		Context:     map[string]interface{}{},
		ExecutionID: "ex-1",
		StepID:      "step-1",
	}
}

func TestAIHandlerMissThenHit(t *testing.T) {
	client := &fakeAIClient{response: &AIResponse{
		Text:         "bonjour",
		Provider:     "gemini",
		InputTokens:  3,
		OutputTokens: 5,
		Cost:         0.001,
	}}
	cache := newFakePromptCache()
	recorder := &fakeRecorder{}
	h := NewAIHandler(client, cache, recorder, "gemini-1.5-pro")

	// First call: miss, AI service invoked, request recorded, cache
	// written, tokens accounted.
	result, err := h.Execute(context.Background(), aiInvocation("hello"))
	require.NoError(t, err)
	assert.Equal(t, "bonjour", result.Output["output"])
	assert.Equal(t, false, result.Output["cached"])
	assert.Equal(t, 8, result.Tokens)
	assert.Equal(t, 0.001, result.Cost)
	assert.Equal(t, 1, client.calls)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].Success)
	assert.Equal(t, 8, recorder.records[0].InputTokens+recorder.records[0].OutputTokens)

	// Second call: cache hit, no AI call, no new record, no tokens.
	result, err = h.Execute(context.Background(), aiInvocation("hello"))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["cached"])
	assert.Equal(t, "bonjour", result.Output["output"])
	assert.Zero(t, result.Tokens)
	assert.Equal(t, 1, client.calls)
	assert.Len(t, recorder.records, 1)
	assert.Equal(t, 1, cache.hits)
}

func TestAIHandlerUpstreamFailure(t *testing.T) {
	client := &fakeAIClient{err: errors.New("model overloaded")}
	recorder := &fakeRecorder{}
	h := NewAIHandler(client, nil, recorder, "gemini-1.5-pro")

	_, err := h.Execute(context.Background(), aiInvocation("hello"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamFailure))

	// Failed calls are recorded too.
	require.Len(t, recorder.records, 1)
	assert.False(t, recorder.records[0].Success)
	assert.Contains(t, recorder.records[0].ErrorMessage, "model overloaded")
}

func TestAIHandlerValidation(t *testing.T) {
	h := NewAIHandler(&fakeAIClient{}, nil, nil, "gemini-1.5-pro")
	_, err := h.Execute(context.Background(), Invocation{
		Node: workflow.Node{ID: "n", Type: "ai_text", Config: map[string]interface{}{}},
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "missing prompt")
}

func TestVariableHandler(t *testing.T) {
	h := NewVariableHandler()
	result, err := h.Execute(context.Background(), Invocation{
		Node: workflow.Node{
			ID:     "set",
			Type:   "variable",
			Config: map[string]interface{}{"name": "y", "value": "ok"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"y": "ok"}, result.Output)

	_, err = h.Execute(context.Background(), Invocation{
		Node: workflow.Node{ID: "set", Type: "variable", Config: map[string]interface{}{}},
	})
	assert.Error(t, err, "name required")
}

func TestDelayHandler(t *testing.T) {
	h := NewDelayHandler()

	t.Run("completes after the configured delay", func(t *testing.T) {
		started := time.Now()
		result, err := h.Execute(context.Background(), Invocation{
			Node: workflow.Node{ID: "wait", Type: "delay", Config: map[string]interface{}{"seconds": 0.05}},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
		assert.Equal(t, "completed", result.Output["status"])
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		started := time.Now()
		_, err := h.Execute(ctx, Invocation{
			Node: workflow.Node{ID: "wait", Type: "delay", Config: map[string]interface{}{"seconds": 30.0}},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(started), 5*time.Second)
	})
}

func TestWebhookHandler(t *testing.T) {
	t.Run("2xx succeeds", func(t *testing.T) {
		var received map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
			received = map[string]interface{}{"hit": true}
		}))
		defer server.Close()

		h := NewWebhookHandler(5 * time.Second)
		result, err := h.Execute(context.Background(), Invocation{
			Node: workflow.Node{
				ID:   "notify",
				Type: "webhook",
				Config: map[string]interface{}{
					"url":  server.URL,
					"body": map[string]interface{}{"k": "v"},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "called", result.Output["status"])
		assert.NotNil(t, received)
	})

	t.Run("non-2xx fails the step", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		h := NewWebhookHandler(5 * time.Second)
		_, err := h.Execute(context.Background(), Invocation{
			Node: workflow.Node{
				ID:     "notify",
				Type:   "webhook",
				Config: map[string]interface{}{"url": server.URL},
			},
		})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindUpstreamFailure))
	})
}

func TestHTTPRequestHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer": 42}`))
	}))
	defer server.Close()

	h := NewHTTPRequestHandler(5 * time.Second)
	result, err := h.Execute(context.Background(), Invocation{
		Node: workflow.Node{
			ID:     "fetch",
			Type:   "http_request",
			Config: map[string]interface{}{"url": server.URL},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Output["status_code"])
	body, ok := result.Output["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 42.0, body["answer"])
}

// fakeNotifier records sent messages.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Send(_ context.Context, message notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func TestEmailHandler(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NewEmailHandler(notifier)

	result, err := h.Execute(context.Background(), Invocation{
		Node: workflow.Node{
			ID:   "mail",
			Type: "email",
			Config: map[string]interface{}{
				"to":      []interface{}{"a@example.com", "b@example.com"},
				"subject": "report ready",
				"body":    "done",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", result.Output["status"])
	require.Len(t, notifier.messages, 2)
	assert.Equal(t, notify.ChannelEmail, notifier.messages[0].Channel)
	assert.Equal(t, "report ready", notifier.messages[0].Subject)
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()
	Builtin(registry,
		NewAIHandler(&fakeAIClient{response: &AIResponse{Text: "ok"}}, nil, nil, "m"),
		NewConnectorHandler(nil, nil),
		NewEmailHandler(&fakeNotifier{}),
		time.Second, time.Second)

	for _, nodeType := range []string{"ai_text", "ai_classify", "connector_slack", "email", "webhook", "http_request", "delay", "condition", "variable"} {
		_, err := registry.Resolve(nodeType)
		assert.NoError(t, err, nodeType)
	}

	_, err := registry.Resolve("teleport")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
