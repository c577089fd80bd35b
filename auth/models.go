// Package auth provides authentication for the platform: principals,
// password login with lockout, JWT access tokens with rotating refresh
// tokens, and API keys. Authorization lives in the tenancy package; this
// package only establishes who the caller is.
package auth

import (
	"time"
)

// User is an authenticated principal. Users are disabled, never destroyed,
// to preserve the referential integrity of the audit trail.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"size:255;uniqueIndex"`
	Name         string `gorm:"size:255"`
	PasswordHash string `gorm:"size:255" json:"-"`
	IsVerified   bool
	MFAEnabled   bool
	MFASecret    string `gorm:"size:255" json:"-"`
	IsActive     bool   `gorm:"default:true"`
	FailedLogins int
	LockedUntil  *time.Time
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// UserResponse is a user with sensitive fields removed.
type UserResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	IsVerified  bool       `json:"is_verified"`
	MFAEnabled  bool       `json:"mfa_enabled"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ToResponse converts a User to its client representation.
func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		IsVerified:  u.IsVerified,
		MFAEnabled:  u.MFAEnabled,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// RefreshToken is a server-side record of an issued refresh token. Only
// the hash is stored; revocation is keyed by it.
type RefreshToken struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"size:36;index"`
	TokenHash  string `gorm:"size:255;index"`
	ExpiresAt  time.Time
	Revoked    bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// APIKey is an opaque, prefixed key. The secret half is stored hashed.
type APIKey struct {
	ID             string `gorm:"primaryKey;size:36"`
	Identifier     string `gorm:"size:32;uniqueIndex"`
	SecretHash     string `gorm:"size:64" json:"-"`
	Name           string `gorm:"size:255"`
	UserID         string `gorm:"size:36;index"`
	OrganizationID string `gorm:"size:36;index"`
	AllowedIPs     []string `gorm:"serializer:json"`
	IsActive       bool     `gorm:"default:true"`
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	CreatedAt      time.Time
}

// AllowsIP reports whether the key may be used from the given address. An
// empty allowlist allows every address.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// TokenPair is an access token and its rotating refresh token.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	User         *UserResponse `json:"user"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresAt    time.Time     `json:"expires_at"`
}
