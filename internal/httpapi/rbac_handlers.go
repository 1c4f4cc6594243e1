package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modernwms.org/internal/auth"
)

type userRequest struct {
	ID              string   `json:"id" validate:"max=32"`
	DisplayName     string   `json:"display_name" validate:"max=128"`
	Password        string   `json:"password" validate:"max=1024"`
	Status          string   `json:"status" validate:"max=1"`
	DefaultFacility string   `json:"default_facility" validate:"max=32"`
	Language        string   `json:"language" validate:"max=8"`
	Roles           []string `json:"roles" validate:"max=64,dive,max=32"`
	Facilities      []string `json:"facilities" validate:"max=256,dive,max=32"`
	Customers       []string `json:"customers" validate:"max=256,dive,max=32"`
}

func (req userRequest) input() auth.UserInput {
	return auth.UserInput{
		ID:              req.ID,
		DisplayName:     req.DisplayName,
		Password:        req.Password,
		Status:          req.Status,
		DefaultFacility: req.DefaultFacility,
		Language:        req.Language,
		Roles:           req.Roles,
		Facilities:      req.Facilities,
		Customers:       req.Customers,
	}
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermissions(w, r, auth.PermUserRead); !ok {
		return
	}
	users, err := a.rbac.ListUsers(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if users == nil {
		users = []*auth.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermissions(w, r, auth.PermUserRead); !ok {
		return
	}
	user, err := a.rbac.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermissions(w, r, auth.PermUserCreate)
	if !ok {
		return
	}
	var req userRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := a.rbac.CreateUser(r.Context(), principal.User.ID, req.input())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermissions(w, r, auth.PermUserUpdate)
	if !ok {
		return
	}
	var req userRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := a.rbac.UpdateUser(r.Context(), principal.User.ID, chi.URLParam(r, "userID"), req.input())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermissions(w, r, auth.PermUserDisable)
	if !ok {
		return
	}
	if err := a.rbac.DeactivateUser(r.Context(), principal.User.ID, chi.URLParam(r, "userID")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermissions(w, r, auth.PermRoleRead); !ok {
		return
	}
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermissions(w, r, auth.PermRoleRead); !ok {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermissions(w, r, auth.PermRoleRead); !ok {
		return
	}
	perms, err := a.rbac.RolePermissions(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(perms))
}

// handleUpdateRolePermissions takes a bare JSON array of permission ids.
func (a *API) handleUpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermissions(w, r, auth.PermRoleUpdate)
	if !ok {
		return
	}
	var ids []string
	if err := decodeJSON(w, r, &ids); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Var(ids, "max=256,dive,required,max=64"); err != nil {
		writeError(w, r, http.StatusBadRequest, "permission ids must be non-empty and at most 64 characters long")
		return
	}
	roleID := chi.URLParam(r, "roleID")
	if err := a.rbac.UpdateRolePermissions(r.Context(), principal.User.ID, roleID, ids); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeMessage(w, fmt.Sprintf("Permissions updated for role %s", roleID))
}
