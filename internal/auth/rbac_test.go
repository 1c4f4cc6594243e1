package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRBAC(t *testing.T) (*RBACService, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	rbac, err := NewRBACService(env.svc)
	require.NoError(t, err)
	return rbac, env
}

func TestCreateUserForcesPasswordChange(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()

	u, err := rbac.CreateUser(ctx, "admin", UserInput{
		ID:          "hank",
		DisplayName: "<b>Hank</b> O'Neil",
		Password:    "Initial#Pass1",
		Roles:       []string{AdminRoleID, AdminRoleID},
		Facilities:  []string{"F1"},
	})
	require.NoError(t, err)
	require.True(t, u.MustChangePassword)
	require.Equal(t, UserStatusActive, u.Status)
	require.Equal(t, "Hank O'Neil", u.DisplayName)
	require.Equal(t, []string{AdminRoleID}, u.Roles)
	require.Equal(t, "en", u.Language)
	require.NotNil(t, u.PasswordExpiresAt)

	entries := env.store.AuditEntries()
	require.Len(t, entries, 1)
	require.Equal(t, ActionInsert, entries[0].Action)
	require.NotContains(t, *entries[0].NewValue, u.PasswordHash)

	res, err := env.svc.Login(ctx, "hank", "Initial#Pass1")
	require.NoError(t, err)
	require.True(t, res.MustChangePassword)
	require.Contains(t, res.Permissions, PermUserResetPassword)
}

func TestCreateUserValidation(t *testing.T) {
	rbac, _ := newTestRBAC(t)
	ctx := context.Background()

	_, err := rbac.CreateUser(ctx, "admin", UserInput{ID: " ", Password: "Initial#Pass1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	var policyErr *PolicyError
	_, err = rbac.CreateUser(ctx, "admin", UserInput{ID: "x", Password: "nocaps#1234"})
	require.ErrorAs(t, err, &policyErr)

	_, err = rbac.CreateUser(ctx, "admin", UserInput{ID: "x", Password: "Initial#Pass1", Status: "Z"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = rbac.CreateUser(ctx, "admin", UserInput{ID: "x", Password: "Initial#Pass1", Roles: []string{"MISSING"}})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = rbac.CreateUser(ctx, "admin", UserInput{ID: "x", Password: "Initial#Pass1"})
	require.NoError(t, err)
	_, err = rbac.CreateUser(ctx, "admin", UserInput{ID: "x", Password: "Initial#Pass1"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateUserWithPasswordResets(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()
	env.addUser(t, "ivan", "Initial#Pass1")

	u, err := rbac.UpdateUser(ctx, "admin", "ivan", UserInput{
		ID:          "ivan",
		DisplayName: "Ivan",
		Password:    "Changed#Pass2",
		Roles:       []string{AdminRoleID},
	})
	require.NoError(t, err)
	require.Equal(t, []string{AdminRoleID}, u.Roles)

	stored := env.user(t, "ivan")
	require.True(t, stored.MustChangePassword)
	require.True(t, env.hasher.Verify(stored.PasswordHash, "Changed#Pass2"))
	require.Equal(t, []string{ActionResetPassword, ActionUpdate}, env.actions("ivan"))

	_, err = rbac.UpdateUser(ctx, "admin", "ivan", UserInput{ID: "other"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = rbac.UpdateUser(ctx, "admin", "nobody", UserInput{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUserFailureKeepsPassword(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()
	env.addUser(t, "hank", "Initial#Pass1")
	before := env.user(t, "hank")

	_, err := rbac.UpdateUser(ctx, "admin", "hank", UserInput{
		Password: "Brand#New99",
		Roles:    []string{"NO_SUCH_ROLE"},
	})
	require.ErrorIs(t, err, ErrNotFound)

	after := env.user(t, "hank")
	require.Equal(t, before.PasswordHash, after.PasswordHash)
	require.False(t, after.MustChangePassword)
	require.False(t, env.hasher.Verify(after.PasswordHash, "Brand#New99"))
	require.Empty(t, env.actions("hank"))

	hist, err := env.store.History(ctx).ListRecent(ctx, "hank", 10)
	require.NoError(t, err)
	require.Empty(t, hist)

	_, err = env.svc.Login(ctx, "hank", "Initial#Pass1")
	require.NoError(t, err)
}

func TestUpdateUserRejectedPasswordChangesNothing(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()
	env.addUser(t, "ivy", "Initial#Pass1")

	var policyErr *PolicyError
	_, err := rbac.UpdateUser(ctx, "admin", "ivy", UserInput{DisplayName: "Renamed", Password: "weak"})
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, "ivy", env.user(t, "ivy").DisplayName)
	require.Empty(t, env.actions("ivy"))
}

func TestDeactivateUserIsSoftDelete(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()
	env.addUser(t, "jill", "Initial#Pass1")

	require.NoError(t, rbac.DeactivateUser(ctx, "admin", "jill"))

	got, err := rbac.GetUser(ctx, "jill")
	require.NoError(t, err)
	require.Equal(t, UserStatusInactive, got.Status)

	list, err := rbac.ListUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = env.svc.Login(ctx, "jill", "Initial#Pass1")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.ErrorIs(t, rbac.DeactivateUser(ctx, "admin", "nobody"), ErrNotFound)
}

func TestUpdateRolePermissionsAuditsOldAndNew(t *testing.T) {
	rbac, env := newTestRBAC(t)
	ctx := context.Background()
	env.store.PutRole(Role{ID: "PICKER"}, "ITEM_READ")

	require.NoError(t, rbac.UpdateRolePermissions(ctx, "admin", "PICKER", []string{"ITEM_READ", "ITEM_UPDATE", "ITEM_READ"}))

	perms, err := rbac.RolePermissions(ctx, "PICKER")
	require.NoError(t, err)
	require.Equal(t, []string{"ITEM_READ", "ITEM_UPDATE"}, perms)

	entries := env.store.AuditEntries()
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, EntityRolePermissions, e.Entity)
	require.Equal(t, ActionUpdate, e.Action)
	require.Equal(t, "ITEM_READ", *e.OldValue)
	require.Equal(t, "ITEM_READ,ITEM_UPDATE", *e.NewValue)

	require.ErrorIs(t, rbac.UpdateRolePermissions(ctx, "admin", "GHOST", nil), ErrNotFound)
	err = rbac.UpdateRolePermissions(ctx, "admin", "PICKER", []string{"NOT_A_PERMISSION"})
	require.ErrorIs(t, err, ErrNotFound)
	perms, _ = rbac.RolePermissions(ctx, "PICKER")
	require.Equal(t, []string{"ITEM_READ", "ITEM_UPDATE"}, perms, "failed replace must leave grants intact")
}

// lagRoles serves grant reads from an outdated snapshot.
type lagRoles struct{ RoleStore }

func (lagRoles) PermissionsForRole(context.Context, string) ([]string, error) {
	return []string{"OUTDATED"}, nil
}

type lagStore struct{ *MemoryStore }

func (s lagStore) Roles(ctx context.Context) RoleStore {
	return lagRoles{s.MemoryStore.Roles(ctx)}
}

func TestUpdateRolePermissionsAuditsGrantsReplacedUnderLock(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutRole(Role{ID: "PICKER"}, "ITEM_READ", "PLATE_READ")
	tokens, err := NewTokenIssuer(testSigningKey, "wms-test", "wms-clients", time.Hour)
	require.NoError(t, err)
	svc, err := NewService(lagStore{env.store}, tokens, WithClock(env.clock.Now), WithHasher(env.hasher),
		WithAuditSink(storeSink{env.store}))
	require.NoError(t, err)
	rbac, err := NewRBACService(svc)
	require.NoError(t, err)

	require.NoError(t, rbac.UpdateRolePermissions(context.Background(), "admin", "PICKER", []string{"ITEM_UPDATE"}))

	entries := env.store.AuditEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "ITEM_READ,PLATE_READ", *entries[0].OldValue)
	require.Equal(t, "ITEM_UPDATE", *entries[0].NewValue)
}

func TestListRolesAndPermissions(t *testing.T) {
	rbac, _ := newTestRBAC(t)
	ctx := context.Background()

	roles, err := rbac.ListRoles(ctx)
	require.NoError(t, err)
	require.Equal(t, AdminRoleID, roles[0].ID)

	perms, err := rbac.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, len(BuiltinPermissions))
	for _, p := range perms {
		require.Equal(t, strings.ToUpper(p.ID), p.ID)
	}
}
