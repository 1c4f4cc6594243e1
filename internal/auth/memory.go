package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Its mutex stands in for the row lock a database would take.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*User
	history     map[string][]PasswordHistoryEntry
	roles       map[string]Role
	grants      map[string][]string
	catalog     map[string]Permission
	audit       []AuditEntry
	nextAuditID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store seeded with the builtin permissions and an
// ADMIN role that holds all of them.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		users:   make(map[string]*User),
		history: make(map[string][]PasswordHistoryEntry),
		roles:   make(map[string]Role),
		grants:  make(map[string][]string),
		catalog: make(map[string]Permission),
	}
	all := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		m.catalog[p.ID] = p
		all = append(all, p.ID)
	}
	m.roles[AdminRoleID] = Role{ID: AdminRoleID, Description: "Administrator"}
	m.grants[AdminRoleID] = all
	return m
}

func (m *MemoryStore) Users(context.Context) UserStore       { return memoryUsers{m} }
func (m *MemoryStore) History(context.Context) HistoryStore { return memoryHistory{m} }
func (m *MemoryStore) Roles(context.Context) RoleStore       { return memoryRoles{m} }
func (m *MemoryStore) Audit(context.Context) AuditStore      { return memoryAudit{m} }

// PutRole creates or replaces a role and its grants.
func (m *MemoryStore) PutRole(role Role, permissions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range permissions {
		if _, ok := m.catalog[id]; !ok {
			m.catalog[id] = Permission{ID: id}
		}
	}
	m.roles[role.ID] = role
	m.grants[role.ID] = append([]string(nil), permissions...)
}

// PutUser stores a copy of u as is, bypassing validation.
func (m *MemoryStore) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = cloneUser(u)
}

// AuditEntries returns a copy of every recorded audit entry.
func (m *MemoryStore) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *MemoryStore) checkRoles(roles []string) error {
	for _, r := range roles {
		if _, ok := m.roles[r]; !ok {
			return fmt.Errorf("%w: role %s", ErrNotFound, r)
		}
	}
	return nil
}

type memoryUsers struct{ m *MemoryStore }

func (s memoryUsers) Get(_ context.Context, id string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s memoryUsers) List(context.Context) ([]*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*User, 0, len(s.m.users))
	for _, u := range s.m.users {
		if u.Status == UserStatusActive {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryUsers) Create(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[u.ID]; ok {
		return ErrConflict
	}
	if err := s.m.checkRoles(u.Roles); err != nil {
		return err
	}
	s.m.users[u.ID] = cloneUser(u)
	return nil
}

func (s memoryUsers) Update(_ context.Context, u *User, change *PasswordChange) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if err := s.m.checkRoles(u.Roles); err != nil {
		return err
	}
	if change != nil {
		if cur.PasswordHash != change.PreviousHash {
			return fmt.Errorf("%w: password changed concurrently", ErrConflict)
		}
		s.m.applyPasswordChange(cur, *change)
	}
	cur.DisplayName = u.DisplayName
	cur.Status = u.Status
	cur.DefaultFacility = u.DefaultFacility
	cur.Language = u.Language
	cur.Roles = append([]string(nil), u.Roles...)
	cur.Facilities = append([]string(nil), u.Facilities...)
	cur.Customers = append([]string(nil), u.Customers...)
	cur.LastUpdate = u.LastUpdate
	cur.LastUser = u.LastUser
	return nil
}

func (s memoryUsers) Deactivate(_ context.Context, id, actorID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = UserStatusInactive
	u.LastUpdate = at
	u.LastUser = actorID
	return nil
}

func (s memoryUsers) RecordFailedLogin(_ context.Context, id string, now time.Time, maxAttempts int, lockFor time.Duration) (FailedLogin, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return FailedLogin{}, ErrNotFound
	}
	if u.LockedAt(now) {
		return FailedLogin{Attempts: u.FailedLoginAttempts, LockedUntil: cloneTime(u.LockedUntil), AlreadyLocked: true}, nil
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		u.LockedUntil = &until
	}
	return FailedLogin{Attempts: u.FailedLoginAttempts, LockedUntil: cloneTime(u.LockedUntil)}, nil
}

func (s memoryUsers) RecordSuccessfulLogin(_ context.Context, id string, now time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (s memoryUsers) ApplyPasswordChange(_ context.Context, c PasswordChange) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[c.UserID]
	if !ok {
		return ErrNotFound
	}
	if u.PasswordHash != c.PreviousHash {
		return fmt.Errorf("%w: password changed concurrently", ErrConflict)
	}
	s.m.applyPasswordChange(u, c)
	return nil
}

// applyPasswordChange expects m.mu to be held and the previous hash checked.
func (m *MemoryStore) applyPasswordChange(u *User, c PasswordChange) {
	if c.PreviousHash != "" {
		m.history[c.UserID] = append(m.history[c.UserID], PasswordHistoryEntry{
			ID:        c.HistoryID,
			UserID:    c.UserID,
			Hash:      c.PreviousHash,
			CreatedAt: c.ChangedAt,
		})
	}
	changed := c.ChangedAt
	u.PasswordHash = c.NewHash
	u.PasswordChangedAt = &changed
	u.PasswordExpiresAt = cloneTime(c.ExpiresAt)
	u.MustChangePassword = c.MustChangePassword
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastUpdate = changed
	u.LastUser = c.ActorID
}

type memoryHistory struct{ m *MemoryStore }

func (s memoryHistory) Append(_ context.Context, e PasswordHistoryEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.history[e.UserID] = append(s.m.history[e.UserID], e)
	return nil
}

func (s memoryHistory) ListRecent(_ context.Context, userID string, n int) ([]PasswordHistoryEntry, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	all := s.m.history[userID]
	out := make([]PasswordHistoryEntry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

type memoryRoles struct{ m *MemoryStore }

func (s memoryRoles) List(context.Context) ([]Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Role, 0, len(s.m.roles))
	for _, r := range s.m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryRoles) Get(_ context.Context, id string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s memoryRoles) Permissions(context.Context) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Permission, 0, len(s.m.catalog))
	for _, p := range s.m.catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryRoles) PermissionsForRole(_ context.Context, roleID string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := append([]string(nil), s.m.grants[roleID]...)
	sort.Strings(out)
	return out, nil
}

func (s memoryRoles) ReplacePermissions(_ context.Context, roleID string, ids []string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[roleID]; !ok {
		return nil, ErrNotFound
	}
	for _, id := range ids {
		if _, ok := s.m.catalog[id]; !ok {
			return nil, fmt.Errorf("%w: permission %s", ErrNotFound, id)
		}
	}
	old := append([]string(nil), s.m.grants[roleID]...)
	sort.Strings(old)
	s.m.grants[roleID] = append([]string(nil), ids...)
	return old, nil
}

type memoryAudit struct{ m *MemoryStore }

func (s memoryAudit) Append(_ context.Context, e *AuditEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.nextAuditID++
	e.ID = s.m.nextAuditID
	s.m.audit = append(s.m.audit, *e)
	return nil
}

func cloneUser(u *User) *User {
	c := *u
	c.PasswordChangedAt = cloneTime(u.PasswordChangedAt)
	c.PasswordExpiresAt = cloneTime(u.PasswordExpiresAt)
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	c.Roles = append([]string(nil), u.Roles...)
	c.Facilities = append([]string(nil), u.Facilities...)
	c.Customers = append([]string(nil), u.Customers...)
	c.Permissions = append([]string(nil), u.Permissions...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
