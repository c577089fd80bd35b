package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmatic.io/workflow"
)

func TestEvalCondition(t *testing.T) {
	execContext := map[string]interface{}{
		"x":     42.0,
		"name":  "alice",
		"ready": true,
		"a": map[string]interface{}{
			"y":      7.0,
			"status": "completed",
		},
		"status": map[string]interface{}{
			"a": "failed",
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"x > 0", true},
		{"x > 100", false},
		{"x >= 42", true},
		{"x <= 41", false},
		{"x == 42", true},
		{"x != 42", false},
		{`name == "alice"`, true},
		{`name != "bob"`, true},
		{"ready", true},
		{"missing", false},
		{"a.y < 10", true},
		{`a.status == "completed"`, true},
		{`status.a == "failed"`, true},
		{"true", true},
		{"false", false},
		{"", true}, // empty condition always passes
		// Node outputs live under their node id; bare names fall back to
		// a scan of the nested maps.
		{"y == 7", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, execContext)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	_, err := EvalCondition("==", map[string]interface{}{})
	assert.Error(t, err)

	_, err = EvalCondition(`name > "zed"`, map[string]interface{}{"name": "alice"})
	assert.Error(t, err, "ordering requires numeric operands")
}

func TestConditionHandler(t *testing.T) {
	h := NewConditionHandler()
	assert.True(t, h.CanHandle("condition"))
	assert.False(t, h.CanHandle("variable"))

	result, err := h.Execute(context.Background(), Invocation{
		Node: workflow.Node{
			ID:     "check",
			Type:   "condition",
			Config: map[string]interface{}{"expr": "x > 0"},
		},
		Context: map[string]interface{}{"x": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["result"])
}
