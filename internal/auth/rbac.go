package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// RBACService administers users, roles and role grants.
type RBACService struct {
	svc      *Service
	sanitize *bluemonday.Policy
}

// NewRBACService builds the administrative service on top of svc.
func NewRBACService(svc *Service) (*RBACService, error) {
	if svc == nil {
		return nil, errors.New("auth service is required")
	}
	return &RBACService{svc: svc, sanitize: bluemonday.StrictPolicy()}, nil
}

// userSnapshot is the audited form of a user. It never carries the hash.
type userSnapshot struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"display_name"`
	Status          string   `json:"status"`
	DefaultFacility string   `json:"default_facility,omitempty"`
	Language        string   `json:"language,omitempty"`
	Roles           []string `json:"roles"`
	Facilities      []string `json:"facilities"`
	Customers       []string `json:"customers"`
}

func snapshot(u *User) *string {
	data, err := json.Marshal(userSnapshot{
		ID:              u.ID,
		DisplayName:     u.DisplayName,
		Status:          u.Status,
		DefaultFacility: u.DefaultFacility,
		Language:        u.Language,
		Roles:           u.Roles,
		Facilities:      u.Facilities,
		Customers:       u.Customers,
	})
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// CreateUser creates an active user with a policy compliant initial password.
// The user must change it on first login.
func (s *RBACService) CreateUser(ctx context.Context, actorID string, in UserInput) (*User, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if ok, reason := s.svc.policy.Validate(in.Password); !ok {
		return nil, &PolicyError{Reason: reason}
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return nil, err
	}
	hash, err := s.svc.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.svc.now().UTC()
	user := &User{
		ID:                 in.ID,
		DisplayName:        s.clean(in.DisplayName),
		PasswordHash:       hash,
		PasswordChangedAt:  &now,
		PasswordExpiresAt:  s.svc.policy.ExpiryFrom(now),
		MustChangePassword: true,
		Status:             status,
		DefaultFacility:    strings.TrimSpace(in.DefaultFacility),
		Language:           defaultLanguage(in.Language),
		Roles:              dedupeStrings(in.Roles),
		Facilities:         dedupeStrings(in.Facilities),
		Customers:          dedupeStrings(in.Customers),
		LastUpdate:         now,
		LastUser:           actorID,
	}
	if err := s.svc.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, storageErr("create user", err)
	}
	s.svc.record(ctx, AuditEntry{
		Entity:   EntityUser,
		RecordID: user.ID,
		Action:   ActionInsert,
		NewValue: snapshot(user),
		ActorID:  actorID,
	})
	return user, nil
}

// UpdateUser replaces the administrative fields of a user. A non-empty
// password is checked like an admin reset and forces a change on next login;
// it is committed in the same transaction as the other fields.
func (s *RBACService) UpdateUser(ctx context.Context, actorID, id string, in UserInput) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if in.ID != "" && strings.TrimSpace(in.ID) != id {
		return nil, fmt.Errorf("%w: id mismatch", ErrInvalidInput)
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return nil, err
	}
	users := s.svc.store.Users(ctx)
	user, err := users.Get(ctx, id)
	if err != nil {
		return nil, storageErr("load user", err)
	}
	old := snapshot(user)

	var change *PasswordChange
	if in.Password != "" {
		c, err := s.svc.preparePasswordChange(ctx, user, in.Password, actorID, true)
		if err != nil {
			return nil, err
		}
		change = &c
	}

	user.DisplayName = s.clean(in.DisplayName)
	user.Status = status
	user.DefaultFacility = strings.TrimSpace(in.DefaultFacility)
	user.Language = defaultLanguage(in.Language)
	user.Roles = dedupeStrings(in.Roles)
	user.Facilities = dedupeStrings(in.Facilities)
	user.Customers = dedupeStrings(in.Customers)
	user.LastUpdate = s.svc.now().UTC()
	user.LastUser = actorID
	if err := users.Update(ctx, user, change); err != nil {
		return nil, storageErr("update user", err)
	}
	if change != nil {
		s.svc.passwordChanged(ctx, *change, ActionResetPassword, "reset")
	}
	s.svc.record(ctx, AuditEntry{
		Entity:   EntityUser,
		RecordID: user.ID,
		Action:   ActionUpdate,
		OldValue: old,
		NewValue: snapshot(user),
		ActorID:  actorID,
	})
	return user, nil
}

// DeactivateUser soft deletes a user by moving it to the inactive status.
func (s *RBACService) DeactivateUser(ctx context.Context, actorID, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	users := s.svc.store.Users(ctx)
	user, err := users.Get(ctx, id)
	if err != nil {
		return storageErr("load user", err)
	}
	if err := users.Deactivate(ctx, id, actorID, s.svc.now().UTC()); err != nil {
		return storageErr("deactivate user", err)
	}
	s.svc.record(ctx, AuditEntry{
		Entity:   EntityUser,
		RecordID: id,
		Action:   ActionDelete,
		OldValue: snapshot(user),
		ActorID:  actorID,
	})
	return nil
}

// GetUser returns a user with permissions resolved from its roles.
func (s *RBACService) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.svc.store.Users(ctx).Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, storageErr("load user", err)
	}
	perms, err := s.svc.permissionsFor(ctx, user.Roles)
	if err != nil {
		return nil, err
	}
	user.Permissions = perms
	return user, nil
}

// ListUsers returns active users.
func (s *RBACService) ListUsers(ctx context.Context) ([]*User, error) {
	users, err := s.svc.store.Users(ctx).List(ctx)
	return users, storageErr("list users", err)
}

// ListRoles returns every role.
func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.svc.store.Roles(ctx).List(ctx)
	return roles, storageErr("list roles", err)
}

// ListPermissions returns the permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.svc.store.Roles(ctx).Permissions(ctx)
	return perms, storageErr("list permissions", err)
}

// RolePermissions returns the permission ids granted to a role.
func (s *RBACService) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	roles := s.svc.store.Roles(ctx)
	if _, err := roles.Get(ctx, roleID); err != nil {
		return nil, storageErr("load role", err)
	}
	perms, err := roles.PermissionsForRole(ctx, roleID)
	return perms, storageErr("load role permissions", err)
}

// UpdateRolePermissions makes roleID grant exactly ids and audits the old and
// new sets as one event.
func (s *RBACService) UpdateRolePermissions(ctx context.Context, actorID, roleID string, ids []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	ids = dedupeStrings(ids)
	roles := s.svc.store.Roles(ctx)
	old, err := roles.ReplacePermissions(ctx, roleID, ids)
	if err != nil {
		return storageErr("replace role permissions", err)
	}
	oldVal := strings.Join(old, ",")
	newVal := strings.Join(ids, ",")
	s.svc.record(ctx, AuditEntry{
		Entity:   EntityRolePermissions,
		RecordID: roleID,
		Action:   ActionUpdate,
		OldValue: &oldVal,
		NewValue: &newVal,
		ActorID:  actorID,
	})
	return nil
}

// clean strips markup from free text; entities are decoded back to plain text.
func (s *RBACService) clean(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitize.Sanitize(v)))
}

func normalizeStatus(status string) (string, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		return UserStatusActive, nil
	}
	if status != UserStatusActive && status != UserStatusInactive {
		return "", fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	return status, nil
}

func defaultLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "en"
	}
	return lang
}

func dedupeStrings(values []string) []string {
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
