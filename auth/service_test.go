package auth

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
	"flowmatic.io/audit"
)

// memoryRecorder collects audit entries in memory.
type memoryRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memoryRecorder) Append(entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryRecorder) byAction(action string) []*audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*audit.Entry
	for _, entry := range m.entries {
		if entry.Action == action {
			matched = append(matched, entry)
		}
	}
	return matched
}

func newTestService(t *testing.T) (*Service, *memoryRecorder) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(Models()...))

	recorder := &memoryRecorder{}
	service := NewService(gdb, recorder, Config{
		JWTSecret:         "test-secret",
		JWTExpiration:     time.Hour,
		MaxFailedAttempts: 3,
		LockoutDuration:   10 * time.Minute,
	})
	return service, recorder
}

func TestCreateUser(t *testing.T) {
	service, _ := newTestService(t)

	user, err := service.CreateUser("Alice@Example.com", "Alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email, "emails are normalized")
	assert.NotEqual(t, "password123", user.PasswordHash)

	// Duplicate email rejected.
	_, err = service.CreateUser("alice@example.com", "Alice Two", "password123")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// Weak passwords rejected.
	_, err = service.CreateUser("bob@example.com", "Bob", "short")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestLoginAndTokenValidation(t *testing.T) {
	service, recorder := newTestService(t)
	_, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	result, err := service.Login("alice@example.com", "password123", "", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, "alice@example.com", result.User.Email)

	// The access token validates and resolves the principal.
	user, err := service.ValidateAccessToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	// The login was audited with IP and user agent.
	logins := recorder.byAction(audit.ActionLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "10.0.0.1", logins[0].IPAddress)
	assert.Equal(t, "test-agent", logins[0].UserAgent)
}

func TestLoginFailureIsOpaque(t *testing.T) {
	service, recorder := newTestService(t)
	_, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	_, err1 := service.Login("alice@example.com", "wrong", "", "", "")
	_, err2 := service.Login("ghost@example.com", "password123", "", "", "")
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, err1.Error(), err2.Error(), "failures must not reveal which part failed")

	assert.NotEmpty(t, recorder.byAction(audit.ActionLoginFailed))
}

func TestLoginLockout(t *testing.T) {
	service, recorder := newTestService(t)
	_, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := service.Login("alice@example.com", "wrong", "", "", "")
		require.Error(t, err)
	}
	assert.NotEmpty(t, recorder.byAction(audit.ActionAccountLocked))

	// Even the right password fails while locked.
	_, err = service.Login("alice@example.com", "password123", "", "", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
}

func TestMFARequired(t *testing.T) {
	service, _ := newTestService(t)
	user, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	require.NoError(t, service.db.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"mfa_enabled": true,
		"mfa_secret":  "123456",
	}).Error)

	_, err = service.Login("alice@example.com", "password123", "", "", "")
	require.Error(t, err, "missing MFA code fails")

	// Lockout counters reset per test service; a correct code logs in.
	result, err := service.Login("alice@example.com", "password123", "123456", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
}

func TestRefreshRotation(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	result, err := service.Login("alice@example.com", "password123", "", "", "")
	require.NoError(t, err)

	pair, err := service.Refresh(result.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEqual(t, result.RefreshToken, pair.RefreshToken, "refresh tokens rotate")

	// The old token is revoked by the rotation.
	_, err = service.Refresh(result.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))

	// The new token still works.
	_, err = service.Refresh(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	result, err := service.Login("alice@example.com", "password123", "", "", "")
	require.NoError(t, err)

	require.NoError(t, service.Logout(result.RefreshToken))

	_, err = service.Refresh(result.RefreshToken)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
}

func TestAPIKeys(t *testing.T) {
	service, _ := newTestService(t)
	user, err := service.CreateUser("alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	full, key, err := service.CreateAPIKey(user.ID, "org-1", "ci key", []string{"10.0.0.1"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, full)
	assert.Equal(t, "org-1", key.OrganizationID)

	t.Run("valid key from allowed ip", func(t *testing.T) {
		resolved, resolvedKey, err := service.ValidateAPIKey(full, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, user.ID, resolved.ID)
		assert.Equal(t, key.ID, resolvedKey.ID)
	})

	t.Run("blocked ip", func(t *testing.T) {
		_, _, err := service.ValidateAPIKey(full, "192.168.1.1")
		assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
	})

	t.Run("malformed key", func(t *testing.T) {
		_, _, err := service.ValidateAPIKey("nonsense", "10.0.0.1")
		assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
	})

	t.Run("expired key", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		expired, _, err := service.CreateAPIKey(user.ID, "org-1", "old", nil, &past)
		require.NoError(t, err)
		_, _, err = service.ValidateAPIKey(expired, "10.0.0.1")
		assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
	})
}

func TestTokenServiceRejectsTamperedTokens(t *testing.T) {
	tokens := NewTokenService("secret-a", time.Hour)
	user := &User{ID: "u1", Email: "alice@example.com"}

	signed, _, err := tokens.GenerateToken(user)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	other := NewTokenService("secret-b", time.Hour)
	_, err = other.ValidateToken(signed)
	assert.Error(t, err, "wrong secret rejected")

	_, err = tokens.ValidateToken(signed + "x")
	assert.Error(t, err)
}
