package tenancy

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(Models()...))
	return NewStore(gdb)
}

func createTestOrg(t *testing.T, store *Store, slug, ownerID string) *Organization {
	t.Helper()
	org := &Organization{Name: "Acme " + slug, Slug: slug, OwnerID: ownerID}
	require.NoError(t, store.CreateOrganization(org))
	return org
}

func TestCreateOrganizationBootstrapsRoles(t *testing.T) {
	store := newTestStore(t)
	org := createTestOrg(t, store, "acme", "owner-1")

	// All five system roles exist; the owner holds the owner role.
	for _, kind := range []RoleKind{RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer} {
		role, err := store.GetRoleByKind(org.ID, kind)
		require.NoError(t, err, string(kind))
		assert.True(t, role.IsSystem)
	}

	membership, err := store.GetMembership(org.ID, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, membership.Role)
	assert.Equal(t, RoleOwner, membership.Role.Kind)
	assert.True(t, membership.Permission("workflows", "create"))
}

func TestSlugUniqueness(t *testing.T) {
	store := newTestStore(t)
	createTestOrg(t, store, "acme", "owner-1")

	err := store.CreateOrganization(&Organization{Name: "Other", Slug: "ACME", OwnerID: "owner-2"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict), "slugs are case-insensitively unique")
}

func TestMembershipUniquePerOrg(t *testing.T) {
	store := newTestStore(t)
	org := createTestOrg(t, store, "acme", "owner-1")
	viewer, err := store.GetRoleByKind(org.ID, RoleViewer)
	require.NoError(t, err)

	_, err = store.AddMember(org.ID, "user-2", viewer.ID)
	require.NoError(t, err)

	_, err = store.AddMember(org.ID, "user-2", viewer.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		kind    RoleKind
		module  string
		action  string
		allowed bool
	}{
		{RoleOwner, "workflows", "delete", true},
		{RoleAdmin, "audit", "read", true},
		{RoleManager, "workflows", "create", true},
		{RoleManager, "members", "create", false},
		{RoleMember, "workflows", "create", true},
		{RoleMember, "connections", "create", false},
		{RoleViewer, "workflows", "read", true},
		{RoleViewer, "workflows", "create", false},
		{RoleViewer, "documents", "delete", false},
	}

	for _, tt := range tests {
		role := &Role{Kind: tt.kind, Permissions: DefaultPermissions(tt.kind)}
		assert.Equal(t, tt.allowed, role.Permission(tt.module, tt.action),
			"%s %s:%s", tt.kind, tt.module, tt.action)
	}
}

func TestCustomOverridesBeatRoleMap(t *testing.T) {
	store := newTestStore(t)
	org := createTestOrg(t, store, "acme", "owner-1")
	viewer, err := store.GetRoleByKind(org.ID, RoleViewer)
	require.NoError(t, err)

	membership, err := store.AddMember(org.ID, "user-2", viewer.ID)
	require.NoError(t, err)

	// Grant create on workflows despite the viewer role.
	overrides := PermissionMap{"workflows": {"create": true}}
	require.NoError(t, store.UpdateMembershipOverrides(membership.ID, overrides))

	loaded, err := store.GetMembership(org.ID, "user-2")
	require.NoError(t, err)
	assert.True(t, loaded.Permission("workflows", "create"), "override grants")
	assert.True(t, loaded.Permission("workflows", "read"), "role map still applies elsewhere")
	assert.False(t, loaded.Permission("documents", "create"))

	// Overrides can also revoke.
	require.NoError(t, store.UpdateMembershipOverrides(membership.ID,
		PermissionMap{"workflows": {"read": false}}))
	loaded, err = store.GetMembership(org.ID, "user-2")
	require.NoError(t, err)
	assert.False(t, loaded.Permission("workflows", "read"))
}

func TestSystemRolesCannotBeDeleted(t *testing.T) {
	store := newTestStore(t)
	org := createTestOrg(t, store, "acme", "owner-1")
	owner, err := store.GetRoleByKind(org.ID, RoleOwner)
	require.NoError(t, err)

	err = store.DeleteRole(owner.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	custom := &Role{
		OrganizationID: org.ID,
		Name:           "auditor",
		Permissions:    PermissionMap{"audit": {"read": true}},
	}
	require.NoError(t, store.CreateRole(custom))
	assert.NoError(t, store.DeleteRole(custom.ID))
}

func TestFirstMembershipFallback(t *testing.T) {
	store := newTestStore(t)
	orgA := createTestOrg(t, store, "first", "user-1")
	createTestOrg(t, store, "second", "user-1")

	membership, err := store.FirstMembership("user-1")
	require.NoError(t, err)
	assert.Equal(t, orgA.ID, membership.OrganizationID, "earliest joined wins")

	_, err = store.FirstMembership("nobody")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
