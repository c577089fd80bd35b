package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmatic.io/apperr"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		event   Event
		want    Status
		invalid bool
	}{
		{name: "pending starts", from: StatusPending, event: EventStart, want: StatusRunning},
		{name: "pending cancels", from: StatusPending, event: EventCancel, want: StatusCancelled},
		{name: "running completes", from: StatusRunning, event: EventComplete, want: StatusCompleted},
		{name: "running fails", from: StatusRunning, event: EventFail, want: StatusFailed},
		{name: "running pauses", from: StatusRunning, event: EventPause, want: StatusPaused},
		{name: "running cancels", from: StatusRunning, event: EventCancel, want: StatusCancelled},
		{name: "paused resumes", from: StatusPaused, event: EventResume, want: StatusRunning},
		{name: "paused cancels", from: StatusPaused, event: EventCancel, want: StatusCancelled},

		{name: "running cannot start", from: StatusRunning, event: EventStart, invalid: true},
		{name: "pending cannot complete", from: StatusPending, event: EventComplete, invalid: true},
		{name: "pending cannot pause", from: StatusPending, event: EventPause, invalid: true},
		{name: "completed cannot cancel", from: StatusCompleted, event: EventCancel, invalid: true},
		{name: "failed cannot resume", from: StatusFailed, event: EventResume, invalid: true},
		{name: "cancelled cannot start", from: StatusCancelled, event: EventStart, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Transition(tt.from, tt.event)
			if tt.invalid {
				require.Error(t, err)
				assert.True(t, apperr.IsKind(err, apperr.KindConflict))
				assert.Equal(t, tt.from, next, "status must not change on invalid transition")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestCanRetry(t *testing.T) {
	ex := &Execution{Status: StatusFailed, RetryCount: 0, MaxRetries: 3}
	assert.True(t, ex.CanRetry())

	ex.RetryCount = 3
	assert.False(t, ex.CanRetry(), "retry budget exhausted")

	ex.RetryCount = 0
	ex.Status = StatusCompleted
	assert.False(t, ex.CanRetry(), "only failed executions retry")
}
