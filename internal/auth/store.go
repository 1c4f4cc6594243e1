package auth

import (
	"context"
	"time"
)

// Store groups the persistence collaborators of the account security core.
type Store interface {
	Users(ctx context.Context) UserStore
	History(ctx context.Context) HistoryStore
	Roles(ctx context.Context) RoleStore
	Audit(ctx context.Context) AuditStore
}

// UserStore persists users and their account security state.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	// List returns active users ordered by id.
	List(ctx context.Context) ([]*User, error)
	Create(ctx context.Context, u *User) error
	// Update rewrites the administrative fields and the role, facility and
	// customer assignments of u in one transaction. A non-nil change is
	// applied in that same transaction with ApplyPasswordChange semantics.
	Update(ctx context.Context, u *User, change *PasswordChange) error
	Deactivate(ctx context.Context, id, actorID string, at time.Time) error
	// RecordFailedLogin increments the failure counter with a single conditional
	// write. The write that brings the counter to maxAttempts also sets
	// locked_until = now + lockFor.
	RecordFailedLogin(ctx context.Context, id string, now time.Time, maxAttempts int, lockFor time.Duration) (FailedLogin, error)
	// RecordSuccessfulLogin resets the counter, clears the lock and stamps last login.
	RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error
	// ApplyPasswordChange appends the previous hash to history and swaps in the
	// new hash atomically.
	ApplyPasswordChange(ctx context.Context, change PasswordChange) error
}

// HistoryStore is the append-only password history.
type HistoryStore interface {
	Append(ctx context.Context, entry PasswordHistoryEntry) error
	// ListRecent returns at most n entries for the user, newest first.
	ListRecent(ctx context.Context, userID string, n int) ([]PasswordHistoryEntry, error)
}

// RoleStore exposes roles, the permission catalog and role grants.
type RoleStore interface {
	List(ctx context.Context) ([]Role, error)
	Get(ctx context.Context, id string) (*Role, error)
	Permissions(ctx context.Context) ([]Permission, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]string, error)
	// ReplacePermissions makes the role grant exactly ids in one transaction
	// and returns the grants it replaced, read under the same lock.
	ReplacePermissions(ctx context.Context, roleID string, ids []string) ([]string, error)
}

// AuditStore appends audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}

// AuditSink records audit events. Implementations never report failure to the caller.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NopAuditSink discards every entry.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEntry) {}
