package tenancy

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

// Store persists organizations, roles, and memberships.
type Store struct {
	db *gorm.DB
}

// NewStore creates a tenancy store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// systemRoles are bootstrapped with every organization.
var systemRoles = []RoleKind{RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer}

// CreateOrganization creates an organization, bootstraps its system roles,
// and adds the owner principal as the single owner-role member.
func (s *Store) CreateOrganization(org *Organization) error {
	if org.Name == "" || org.Slug == "" {
		return apperr.Validation("organization name and slug are required")
	}
	if org.OwnerID == "" {
		return apperr.Validation("organization owner is required")
	}
	org.Slug = strings.ToLower(org.Slug)

	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Organization{}).Where("slug = ?", org.Slug).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict("organization slug %q is already taken", org.Slug)
		}

		if org.ID == "" {
			org.ID = uuid.New().String()
		}
		org.IsActive = true
		if err := tx.Create(org).Error; err != nil {
			return err
		}

		var ownerRoleID string
		now := time.Now()
		for _, kind := range systemRoles {
			role := &Role{
				ID:             uuid.New().String(),
				OrganizationID: org.ID,
				Name:           string(kind),
				Kind:           kind,
				Permissions:    DefaultPermissions(kind),
				IsSystem:       true,
				IsActive:       true,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(role).Error; err != nil {
				return err
			}
			if kind == RoleOwner {
				ownerRoleID = role.ID
			}
		}

		membership := &Membership{
			ID:             uuid.New().String(),
			OrganizationID: org.ID,
			PrincipalID:    org.OwnerID,
			RoleID:         ownerRoleID,
			IsActive:       true,
			JoinedAt:       now,
		}
		return tx.Create(membership).Error
	})
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(id string) (*Organization, error) {
	var org Organization
	if err := s.db.First(&org, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("organization %s not found", id)
		}
		return nil, err
	}
	return &org, nil
}

// GetOrganizationBySlug loads an organization by slug.
func (s *Store) GetOrganizationBySlug(slug string) (*Organization, error) {
	var org Organization
	if err := s.db.First(&org, "slug = ?", strings.ToLower(slug)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("organization %s not found", slug)
		}
		return nil, err
	}
	return &org, nil
}

// GetMembership loads the active membership of a principal in an
// organization with its role preloaded.
func (s *Store) GetMembership(orgID, principalID string) (*Membership, error) {
	var membership Membership
	err := s.db.Preload("Role").
		First(&membership, "organization_id = ? AND principal_id = ? AND is_active = ?", orgID, principalID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no active membership")
		}
		return nil, err
	}
	return &membership, nil
}

// FirstMembership returns the principal's first active membership, used as
// the fallback organization context.
func (s *Store) FirstMembership(principalID string) (*Membership, error) {
	var membership Membership
	err := s.db.Preload("Role").
		Where("principal_id = ? AND is_active = ?", principalID, true).
		Order("joined_at ASC").
		First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no active membership")
		}
		return nil, err
	}
	return &membership, nil
}

// AddMember adds a principal to an organization with the given role.
func (s *Store) AddMember(orgID, principalID, roleID string) (*Membership, error) {
	var existing int64
	err := s.db.Model(&Membership{}).
		Where("organization_id = ? AND principal_id = ?", orgID, principalID).
		Count(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, apperr.Conflict("principal is already a member of this organization")
	}

	membership := &Membership{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		PrincipalID:    principalID,
		RoleID:         roleID,
		IsActive:       true,
		JoinedAt:       time.Now(),
	}
	if err := s.db.Create(membership).Error; err != nil {
		return nil, err
	}
	return membership, nil
}

// GetRole loads a role by id.
func (s *Store) GetRole(id string) (*Role, error) {
	var role Role
	if err := s.db.First(&role, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("role %s not found", id)
		}
		return nil, err
	}
	return &role, nil
}

// GetRoleByKind loads an organization's role of the given built-in kind.
func (s *Store) GetRoleByKind(orgID string, kind RoleKind) (*Role, error) {
	var role Role
	err := s.db.First(&role, "organization_id = ? AND kind = ?", orgID, string(kind)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("role %s not found", kind)
		}
		return nil, err
	}
	return &role, nil
}

// CreateRole creates a custom role. Role names are unique per
// organization.
func (s *Store) CreateRole(role *Role) error {
	if role.Name == "" {
		return apperr.Validation("role name is required")
	}
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	role.Kind = RoleCustom
	role.IsSystem = false
	role.IsActive = true
	if err := s.db.Create(role).Error; err != nil {
		return apperr.Conflict("role %q already exists in this organization", role.Name).Wrap(err)
	}
	return nil
}

// DeleteRole deletes a custom role. System roles cannot be deleted.
func (s *Store) DeleteRole(id string) error {
	role, err := s.GetRole(id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.Validation("system roles cannot be deleted")
	}
	return s.db.Delete(&Role{}, "id = ?", id).Error
}

// UpdateMembershipOverrides replaces the member's custom permission
// overrides.
func (s *Store) UpdateMembershipOverrides(membershipID string, overrides PermissionMap) error {
	return s.db.Model(&Membership{}).
		Where("id = ?", membershipID).
		Update("custom_overrides", overrides).Error
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Organization{}, &Role{}, &Membership{}}
}
