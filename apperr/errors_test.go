package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("bad input")))
	assert.Equal(t, KindQuotaExceeded, KindOf(QuotaExceeded("executions", 10)))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", NotFound("gone"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
}

func TestPermissionDetails(t *testing.T) {
	err := Permission("workflows", "create")
	assert.Equal(t, "workflows", err.Details["module"])
	assert.Equal(t, "create", err.Details["action"])
}

func TestQuotaDetails(t *testing.T) {
	err := QuotaExceeded("executions", 100)
	assert.Equal(t, "executions", err.Details["quota_type"])
	assert.Equal(t, int64(100), err.Details["limit"])
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream("AI call failed").Wrap(cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Upstream("503")))
	assert.True(t, Retryable(Timeout("deadline")))
	assert.True(t, Retryable(Conflict("stale")))
	assert.False(t, Retryable(Validation("bad")))
	assert.False(t, Retryable(Permission("m", "a")))
}
