package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
	"flowmatic.io/audit"
	"flowmatic.io/security"
)

// Config holds the authentication policy.
type Config struct {
	JWTSecret              string
	JWTExpiration          time.Duration
	RefreshTokenExpiration time.Duration
	MaxFailedAttempts      int
	LockoutDuration        time.Duration
}

// Service implements authentication against the relational store.
type Service struct {
	db     *gorm.DB
	tokens *TokenService
	audit  audit.Recorder
	config Config
}

// NewService creates an auth service.
func NewService(db *gorm.DB, recorder audit.Recorder, config Config) *Service {
	if config.MaxFailedAttempts == 0 {
		config.MaxFailedAttempts = 5
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = 30 * time.Minute
	}
	if config.JWTExpiration == 0 {
		config.JWTExpiration = 15 * time.Minute
	}
	if config.RefreshTokenExpiration == 0 {
		config.RefreshTokenExpiration = 7 * 24 * time.Hour
	}
	return &Service{
		db:     db,
		tokens: NewTokenService(config.JWTSecret, config.JWTExpiration),
		audit:  recorder,
		config: config,
	}
}

// Tokens exposes the token service for middleware wiring.
func (s *Service) Tokens() *TokenService { return s.tokens }

// CreateUser registers a new principal.
func (s *Service) CreateUser(email, name, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Validation("a valid email is required")
	}
	if len(password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}

	var count int64
	if err := s.db.Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperr.Conflict("a user with this email already exists")
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates with email and password (plus an MFA code when the
// account requires one) and returns a token pair. Failures are reported
// uniformly so callers cannot tell which part of the credential failed,
// and are audited with IP and user agent. After MaxFailedAttempts
// consecutive failures the account locks for LockoutDuration.
func (s *Service) Login(email, password, mfaCode, ip, userAgent string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user User
	err := s.db.First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.auditLogin(audit.ActionLoginFailed, "", email, ip, userAgent, "unknown email")
		return nil, apperr.Authentication("invalid credentials")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if user.Locked(now) {
		s.auditLogin(audit.ActionLoginFailed, user.ID, email, ip, userAgent, "account locked")
		return nil, apperr.Authentication("invalid credentials")
	}
	if !user.IsActive {
		s.auditLogin(audit.ActionLoginFailed, user.ID, email, ip, userAgent, "account disabled")
		return nil, apperr.Authentication("invalid credentials")
	}

	if err := security.VerifyPassword(password, user.PasswordHash); err != nil {
		s.recordFailedLogin(&user, ip, userAgent)
		return nil, apperr.Authentication("invalid credentials")
	}

	if user.MFAEnabled {
		if mfaCode == "" || !security.ConstantTimeEquals(mfaCode, user.MFASecret) {
			s.recordFailedLogin(&user, ip, userAgent)
			return nil, apperr.Authentication("invalid credentials")
		}
	}

	pair, err := s.issueTokenPair(&user)
	if err != nil {
		return nil, err
	}

	s.db.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"failed_logins": 0,
		"locked_until":  nil,
		"last_login_at": now,
	})

	s.auditLogin(audit.ActionLogin, user.ID, email, ip, userAgent, "")

	return &LoginResult{
		User:         user.ToResponse(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}, nil
}

func (s *Service) recordFailedLogin(user *User, ip, userAgent string) {
	failed := user.FailedLogins + 1
	updates := map[string]interface{}{"failed_logins": failed}
	if failed >= s.config.MaxFailedAttempts {
		updates["locked_until"] = time.Now().Add(s.config.LockoutDuration)
		updates["failed_logins"] = 0
		s.auditLogin(audit.ActionAccountLocked, user.ID, user.Email, ip, userAgent, "too many failed logins")
	}
	s.db.Model(&User{}).Where("id = ?", user.ID).Updates(updates)
	s.auditLogin(audit.ActionLoginFailed, user.ID, user.Email, ip, userAgent, "invalid password")
}

func (s *Service) issueTokenPair(user *User) (*TokenPair, error) {
	accessToken, expiresAt, err := s.tokens.GenerateToken(user)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	refreshToken, err := s.tokens.generateRefreshToken()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	record := &RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: security.HashAPIKeySecret(refreshToken),
		ExpiresAt: time.Now().Add(s.config.RefreshTokenExpiration),
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// new pair is issued.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	hash := security.HashAPIKeySecret(refreshToken)

	var record RefreshToken
	err := s.db.First(&record, "token_hash = ? AND revoked = ?", hash, false).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Authentication("invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, apperr.Authentication("refresh token has expired")
	}

	var user User
	if err := s.db.First(&user, "id = ? AND is_active = ?", record.UserID, true).Error; err != nil {
		return nil, apperr.Authentication("invalid refresh token")
	}

	now := time.Now()
	s.db.Model(&RefreshToken{}).Where("id = ?", record.ID).Updates(map[string]interface{}{
		"revoked":      true,
		"last_used_at": now,
	})

	pair, err := s.issueTokenPair(&user)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.Append(&audit.Entry{
			Action:     audit.ActionTokenRefresh,
			ActorID:    user.ID,
			ActorEmail: user.Email,
			Success:    true,
		})
	}
	return pair, nil
}

// Logout revokes the presented refresh token server-side.
func (s *Service) Logout(refreshToken string) error {
	hash := security.HashAPIKeySecret(refreshToken)
	res := s.db.Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked = ?", hash, false).
		Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 && s.audit != nil {
		s.audit.Append(&audit.Entry{Action: audit.ActionTokenRevoke, Success: true})
	}
	return nil
}

// ValidateAccessToken validates a bearer token and loads its principal.
func (s *Service) ValidateAccessToken(token string) (*User, error) {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	var user User
	if err := s.db.First(&user, "id = ? AND is_active = ?", claims.UserID, true).Error; err != nil {
		return nil, apperr.Authentication("invalid token")
	}
	return &user, nil
}

// CreateAPIKey issues an API key bound to a user and organization. The
// full key is returned exactly once.
func (s *Service) CreateAPIKey(userID, orgID, name string, allowedIPs []string, expiresAt *time.Time) (fullKey string, key *APIKey, err error) {
	full, identifier, hash, err := security.GenerateAPIKey()
	if err != nil {
		return "", nil, apperr.Internal(err)
	}
	key = &APIKey{
		ID:             uuid.New().String(),
		Identifier:     identifier,
		SecretHash:     hash,
		Name:           name,
		UserID:         userID,
		OrganizationID: orgID,
		AllowedIPs:     allowedIPs,
		IsActive:       true,
		ExpiresAt:      expiresAt,
	}
	if err := s.db.Create(key).Error; err != nil {
		return "", nil, err
	}
	return full, key, nil
}

// ValidateAPIKey authenticates an API key: active, not expired, and
// permitted from the caller's IP. Returns the key's principal and the
// key's bound organization.
func (s *Service) ValidateAPIKey(presented, ip string) (*User, *APIKey, error) {
	identifier, secret, err := security.ParseAPIKey(presented)
	if err != nil {
		return nil, nil, apperr.Authentication("invalid API key")
	}

	var key APIKey
	dberr := s.db.First(&key, "identifier = ?", identifier).Error
	if errors.Is(dberr, gorm.ErrRecordNotFound) {
		return nil, nil, apperr.Authentication("invalid API key")
	}
	if dberr != nil {
		return nil, nil, dberr
	}

	if !key.IsActive {
		s.auditKey(audit.ActionAPIKeyRejected, &key, ip, "key inactive")
		return nil, nil, apperr.Authentication("invalid API key")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		s.auditKey(audit.ActionAPIKeyRejected, &key, ip, "key expired")
		return nil, nil, apperr.Authentication("invalid API key")
	}
	if !security.ConstantTimeEquals(security.HashAPIKeySecret(secret), key.SecretHash) {
		s.auditKey(audit.ActionAPIKeyRejected, &key, ip, "secret mismatch")
		return nil, nil, apperr.Authentication("invalid API key")
	}
	if !key.AllowsIP(ip) {
		s.auditKey(audit.ActionAPIKeyRejected, &key, ip, "ip not allowed")
		return nil, nil, apperr.Authentication("invalid API key")
	}

	var user User
	if err := s.db.First(&user, "id = ? AND is_active = ?", key.UserID, true).Error; err != nil {
		return nil, nil, apperr.Authentication("invalid API key")
	}

	now := time.Now()
	s.db.Model(&APIKey{}).Where("id = ?", key.ID).Update("last_used_at", now)

	return &user, &key, nil
}

// GetUser loads a principal by id.
func (s *Service) GetUser(id string) (*User, error) {
	var user User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user %s not found", id)
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) auditLogin(action, userID, email, ip, userAgent, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Append(&audit.Entry{
		Action:     action,
		ActorID:    userID,
		ActorEmail: email,
		IPAddress:  ip,
		UserAgent:  userAgent,
		Success:    action == audit.ActionLogin,
		Message:    reason,
	})
}

func (s *Service) auditKey(action string, key *APIKey, ip, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Append(&audit.Entry{
		Action:         action,
		ActorID:        key.UserID,
		OrganizationID: key.OrganizationID,
		IPAddress:      ip,
		Success:        false,
		Message:        reason,
	})
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&User{}, &RefreshToken{}, &APIKey{}}
}
