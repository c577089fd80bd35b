// Package tenancy implements the multi-tenancy model: organizations,
// roles, and memberships, plus the permission lookup every request passes
// through.
package tenancy

import (
	"time"
)

// RoleKind is the built-in classification of a role.
type RoleKind string

const (
	RoleOwner   RoleKind = "owner"
	RoleAdmin   RoleKind = "admin"
	RoleManager RoleKind = "manager"
	RoleMember  RoleKind = "member"
	RoleViewer  RoleKind = "viewer"
	RoleCustom  RoleKind = "custom"
)

// PermissionMap maps module -> action -> allowed. Actions are create,
// read, update, delete.
type PermissionMap map[string]map[string]bool

// Modules with permission entries.
var Modules = []string{
	"workflows", "executions", "documents", "connections",
	"members", "quotas", "analytics", "audit",
}

// Organization is the tenancy unit. The tenancy store has no organization
// delete, and rows owned by an organization carry its id without a
// foreign-key cascade.
type Organization struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:255;index"`
	Slug        string `gorm:"size:255;uniqueIndex"`
	Description string
	ParentID    *string                `gorm:"size:36;index"`
	OwnerID     string                 `gorm:"size:36;index"`
	Timezone    string                 `gorm:"size:50;default:UTC"`
	Settings    map[string]interface{} `gorm:"serializer:json"`
	IsActive    bool                   `gorm:"index;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a named permission set inside one organization. System roles
// cannot be deleted; there is exactly one owner role per organization.
type Role struct {
	ID             string        `gorm:"primaryKey;size:36"`
	OrganizationID string        `gorm:"size:36;uniqueIndex:idx_roles_org_name"`
	Name           string        `gorm:"size:100;uniqueIndex:idx_roles_org_name"`
	Kind           RoleKind      `gorm:"size:20;index"`
	Description    string
	Permissions    PermissionMap `gorm:"serializer:json"`
	IsSystem       bool
	IsActive       bool `gorm:"default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Permission reports whether the role grants the given module/action.
func (r *Role) Permission(module, action string) bool {
	if r.Permissions == nil {
		return false
	}
	return r.Permissions[module][action]
}

// Membership binds a principal to an organization with a role. Custom
// overrides beat the role map in permission lookups.
type Membership struct {
	ID              string        `gorm:"primaryKey;size:36"`
	OrganizationID  string        `gorm:"size:36;uniqueIndex:idx_members_org_user"`
	PrincipalID     string        `gorm:"size:36;uniqueIndex:idx_members_org_user"`
	RoleID          string        `gorm:"size:36;index"`
	Role            *Role         `gorm:"foreignKey:RoleID"`
	Department      string        `gorm:"size:100"`
	CustomOverrides PermissionMap `gorm:"serializer:json"`
	IsActive        bool          `gorm:"index;default:true"`
	JoinedAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Permission checks the member's custom overrides first, then falls back
// to the role permission map.
func (m *Membership) Permission(module, action string) bool {
	if m.CustomOverrides != nil {
		if actions, ok := m.CustomOverrides[module]; ok {
			if allowed, ok := actions[action]; ok {
				return allowed
			}
		}
	}
	if m.Role == nil {
		return false
	}
	return m.Role.Permission(module, action)
}

// fullAccess grants every action on the given modules.
func fullAccess(modules ...string) PermissionMap {
	perms := make(PermissionMap, len(modules))
	for _, module := range modules {
		perms[module] = map[string]bool{"create": true, "read": true, "update": true, "delete": true}
	}
	return perms
}

// readOnly grants only read on the given modules.
func readOnly(modules ...string) PermissionMap {
	perms := make(PermissionMap, len(modules))
	for _, module := range modules {
		perms[module] = map[string]bool{"create": false, "read": true, "update": false, "delete": false}
	}
	return perms
}

// DefaultPermissions returns the permission map of the built-in role kinds.
func DefaultPermissions(kind RoleKind) PermissionMap {
	switch kind {
	case RoleOwner, RoleAdmin:
		return fullAccess(Modules...)
	case RoleManager:
		perms := fullAccess("workflows", "executions", "documents", "connections")
		for module, actions := range readOnly("members", "quotas", "analytics", "audit") {
			perms[module] = actions
		}
		return perms
	case RoleMember:
		perms := fullAccess("workflows", "executions", "documents")
		for module, actions := range readOnly("connections", "analytics") {
			perms[module] = actions
		}
		return perms
	case RoleViewer:
		return readOnly("workflows", "executions", "documents", "analytics")
	default:
		return PermissionMap{}
	}
}
