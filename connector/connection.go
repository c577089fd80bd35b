// Package connector manages third-party connections: per-organization
// provider credentials stored encrypted at rest and decrypted only at the
// point of use inside the connector handler.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
	"flowmatic.io/audit"
	"flowmatic.io/security"
)

// Connection binds an organization to a provider with encrypted OAuth
// credential material. The ciphertext column is never logged or returned
// through read APIs.
type Connection struct {
	ID                   string `gorm:"primaryKey;size:36"`
	OrganizationID       string `gorm:"size:36;uniqueIndex:idx_connections_org_provider"`
	Provider             string `gorm:"size:100;uniqueIndex:idx_connections_org_provider"`
	Name                 string `gorm:"size:255"`
	EncryptedCredentials string `gorm:"type:text" json:"-"`
	IsActive             bool   `gorm:"default:true"`
	CreatedBy            string `gorm:"size:36"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Store persists connections and performs credential crypto.
type Store struct {
	db            *gorm.DB
	encryptionKey string
	audit         audit.Recorder
}

// NewStore creates a connection store with the application encryption
// key.
func NewStore(db *gorm.DB, encryptionKey string, recorder audit.Recorder) *Store {
	return &Store{db: db, encryptionKey: encryptionKey, audit: recorder}
}

// Save encrypts the credential map and creates or updates the
// organization's connection for the provider.
func (s *Store) Save(orgID, provider, name string, credentials map[string]interface{}, createdBy string) (*Connection, error) {
	if provider == "" {
		return nil, apperr.Validation("connection provider is required")
	}
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	ciphertext, err := security.EncryptValue(s.encryptionKey, string(plaintext))
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var conn Connection
	err = s.db.First(&conn, "organization_id = ? AND provider = ?", orgID, provider).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		conn = Connection{
			ID:                   uuid.New().String(),
			OrganizationID:       orgID,
			Provider:             provider,
			Name:                 name,
			EncryptedCredentials: ciphertext,
			IsActive:             true,
			CreatedBy:            createdBy,
		}
		if err := s.db.Create(&conn).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		updates := map[string]interface{}{
			"encrypted_credentials": ciphertext,
			"is_active":             true,
		}
		if name != "" {
			updates["name"] = name
		}
		if err := s.db.Model(&Connection{}).Where("id = ?", conn.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	if s.audit != nil {
		s.audit.Append(&audit.Entry{
			Action:         audit.ActionConnectionChange,
			ActorID:        createdBy,
			OrganizationID: orgID,
			Resource:       "connection",
			ResourceID:     conn.ID,
			Success:        true,
			Details:        map[string]interface{}{"provider": provider},
		})
	}
	return &conn, nil
}

// Credentials implements handler.CredentialSource: it loads and decrypts
// the organization's credentials for a provider.
func (s *Store) Credentials(ctx context.Context, orgID, provider string) (map[string]interface{}, error) {
	var conn Connection
	err := s.db.WithContext(ctx).
		First(&conn, "organization_id = ? AND provider = ? AND is_active = ?", orgID, provider, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("no active %s connection for this organization", provider)
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := security.DecryptValue(s.encryptionKey, conn.EncryptedCredentials)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	var credentials map[string]interface{}
	if err := json.Unmarshal([]byte(plaintext), &credentials); err != nil {
		return nil, apperr.Internal(err)
	}
	return credentials, nil
}

// List returns an organization's connections without credential material.
func (s *Store) List(orgID string) ([]Connection, error) {
	var connections []Connection
	err := s.db.Select("id", "organization_id", "provider", "name", "is_active", "created_by", "created_at", "updated_at").
		Where("organization_id = ?", orgID).
		Order("provider ASC").Find(&connections).Error
	return connections, err
}

// Delete removes a connection.
func (s *Store) Delete(orgID, id string) error {
	res := s.db.Where("id = ? AND organization_id = ?", id, orgID).Delete(&Connection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("connection %s not found", id)
	}
	if s.audit != nil {
		s.audit.Append(&audit.Entry{
			Action:         audit.ActionConnectionChange,
			OrganizationID: orgID,
			Resource:       "connection",
			ResourceID:     id,
			Success:        true,
			Message:        "deleted",
		})
	}
	return nil
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Connection{}}
}
