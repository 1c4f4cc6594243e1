package auth

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestPrincipalPermissions(t *testing.T) {
	user := &User{ID: "u1", Status: UserStatusActive}
	principal := NewPrincipal(user, []string{"ITEM_READ"}, []string{"ITEM_READ", "PLATE_READ"})

	if !principal.HasPermission("PLATE_READ") {
		t.Fatalf("expected permission")
	}
	if principal.HasPermission("ITEM_UPDATE") {
		t.Fatalf("unexpected permission")
	}
	if got := principal.Permissions.Sorted(); len(got) != 2 {
		t.Fatalf("expected union of 2 ids, got %v", got)
	}
}

func TestRolePermissionUpdateIsVisibleWithoutReissue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.PutRole(Role{ID: "PICKER"}, "ITEM_READ")
	env.addUser(t, "dave", "Correct#Pass1", "PICKER")

	res, err := env.svc.Login(ctx, "dave", "Correct#Pass1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if ok, err := env.svc.HasPermission(ctx, "dave", "ITEM_UPDATE"); err != nil || ok {
		t.Fatalf("expected no ITEM_UPDATE, got %v %v", ok, err)
	}

	rbac, err := NewRBACService(env.svc)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	if err := rbac.UpdateRolePermissions(ctx, "admin", "PICKER", []string{"ITEM_READ", "ITEM_UPDATE"}); err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}

	if ok, err := env.svc.HasPermission(ctx, "dave", "ITEM_UPDATE"); err != nil || !ok {
		t.Fatalf("expected ITEM_UPDATE after update, got %v %v", ok, err)
	}
	// The original session token is still the one in use.
	session, err := env.svc.Authenticate(res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := env.svc.Require(ctx, session.UserID, "ITEM_UPDATE"); err != nil {
		t.Fatalf("Require with old session: %v", err)
	}
}

func TestRequireDistinguishesUnauthorizedFromForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.PutRole(Role{ID: "PICKER"}, "ITEM_READ")
	env.addUser(t, "dave", "Correct#Pass1", "PICKER")

	if _, err := env.svc.Require(ctx, "ghost", "ITEM_READ"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.svc.Require(ctx, "dave", "ROLE_UPDATE"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestHasPermissionMatchesRoleUnion(t *testing.T) {
	catalog := []string{"ITEM_READ", "ITEM_UPDATE", "PLATE_READ", "ZONE_READ", "USER_READ"}
	rapid.Check(t, func(rt *rapid.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		grantsA := rapid.SliceOfDistinct(rapid.SampledFrom(catalog), rapid.ID[string]).Draw(rt, "a")
		grantsB := rapid.SliceOfDistinct(rapid.SampledFrom(catalog), rapid.ID[string]).Draw(rt, "b")
		env.store.PutRole(Role{ID: "A"}, grantsA...)
		env.store.PutRole(Role{ID: "B"}, grantsB...)
		env.store.PutUser(&User{ID: "u", Status: UserStatusActive, Roles: []string{"A", "B"}})

		want := NewPermissionSet(append(append([]string{}, grantsA...), grantsB...)...)
		asked := rapid.SampledFrom(catalog).Draw(rt, "asked")
		got, err := env.svc.HasPermission(ctx, "u", asked)
		if err != nil {
			rt.Fatalf("HasPermission: %v", err)
		}
		if got != want.Has(asked) {
			rt.Fatalf("HasPermission(%s)=%v, grants %v %v", asked, got, grantsA, grantsB)
		}
	})
}
