package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmatic.io/handler"
)

func TestRecordAIRequestComputesTotalTokens(t *testing.T) {
	rig := newTestRig(t)
	wf := rig.createWorkflow(t, happyPathDefinition())
	ex := rig.startExecution(t, wf, nil)

	err := rig.store.RecordAIRequest(context.Background(), &handler.AIRequestRecord{
		ExecutionID:  ex.ID,
		StepID:       "",
		Provider:     "gemini",
		Model:        "gemini-1.5-pro",
		Prompt:       "hello",
		Response:     "bonjour",
		InputTokens:  11,
		OutputTokens: 7,
		Cost:         0.002,
		Duration:     1500 * time.Millisecond,
		Success:      true,
	})
	require.NoError(t, err)

	requests, err := rig.store.ListAIRequests(ex.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, 18, requests[0].TotalTokens)
	assert.Equal(t, requests[0].InputTokens+requests[0].OutputTokens, requests[0].TotalTokens)
	assert.InDelta(t, 1.5, requests[0].Duration, 0.001)
	assert.Nil(t, requests[0].StepID)
}

func TestAppendAndSweepLogs(t *testing.T) {
	rig := newTestRig(t)
	wf := rig.createWorkflow(t, happyPathDefinition())
	ex := rig.startExecution(t, wf, nil)

	require.NoError(t, rig.store.AppendLog(ex.ID, nil, LogInfo, "first", nil))
	require.NoError(t, rig.store.AppendLog(ex.ID, nil, LogError, "second", map[string]interface{}{"n": 2.0}))

	logs, err := rig.store.ListLogs(ex.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, LogError, logs[1].Level)

	// A negative retention puts the cutoff in the future and removes
	// everything.
	removed, err := rig.store.SweepLogs(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	logs, err = rig.store.ListLogs(ex.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
