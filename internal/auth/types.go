package auth

import "time"

const (
	// UserStatusActive marks a user that may authenticate.
	UserStatusActive = "A"
	// UserStatusInactive marks a soft-deleted user.
	UserStatusInactive = "I"
)

// User is the identity record together with its account security state.
type User struct {
	ID                  string     `json:"id"`
	DisplayName         string     `json:"display_name"`
	PasswordHash        string     `json:"-"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	PasswordExpiresAt   *time.Time `json:"password_expires_at,omitempty"`
	MustChangePassword  bool       `json:"must_change_password"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	Status              string     `json:"status"`
	DefaultFacility     string     `json:"default_facility,omitempty"`
	Language            string     `json:"language,omitempty"`
	Roles               []string   `json:"roles"`
	Facilities          []string   `json:"facilities"`
	Customers           []string   `json:"customers"`
	Permissions         []string   `json:"permissions,omitempty"`
	LastUpdate          time.Time  `json:"last_update"`
	LastUser            string     `json:"last_user,omitempty"`
}

// Active reports whether the user may authenticate.
func (u *User) Active() bool {
	return u != nil && u.Status == UserStatusActive
}

// LockedAt reports whether the lockout window is still open at the given instant.
func (u *User) LockedAt(now time.Time) bool {
	return u != nil && u.LockedUntil != nil && u.LockedUntil.After(now)
}

// PasswordExpiredAt reports whether the password expiry has been reached.
func (u *User) PasswordExpiredAt(now time.Time) bool {
	return u != nil && u.PasswordExpiresAt != nil && !now.Before(*u.PasswordExpiresAt)
}

// Role is a named permission bundle.
type Role struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Permission is an atomic capability checked verbatim by the authorization gate.
type Permission struct {
	ID          string `json:"id"`
	Entity      string `json:"entity"`
	Operation   string `json:"operation"`
	Description string `json:"description"`
}

// PasswordHistoryEntry is an immutable record of a previously used password hash.
type PasswordHistoryEntry struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Hash      string    `json:"-" db:"password_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditEntry is an append-only record of a security relevant event.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Entity     string    `json:"entity"`
	RecordID   string    `json:"record_id"`
	Action     string    `json:"action"`
	OldValue   *string   `json:"old_value,omitempty"`
	NewValue   *string   `json:"new_value,omitempty"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Audit actions.
const (
	ActionLoginSuccess   = "LOGIN_SUCCESS"
	ActionLoginFail      = "LOGIN_FAIL"
	ActionAccountLocked  = "ACCOUNT_LOCKED"
	ActionChangePassword = "CHANGE_PASSWORD"
	ActionResetPassword  = "RESET_PASSWORD"
	ActionInsert         = "INSERT"
	ActionUpdate         = "UPDATE"
	ActionDelete         = "DELETE"
)

// Audit entity names.
const (
	EntityUser            = "USER"
	EntityRolePermissions = "ROLE_PERMISSIONS"
)

// PasswordChange is the full set of fields written by a password change or reset.
// Stores apply it atomically together with the history append.
type PasswordChange struct {
	UserID             string
	PreviousHash       string
	NewHash            string
	ChangedAt          time.Time
	ExpiresAt          *time.Time
	MustChangePassword bool
	HistoryID          string
	ActorID            string
}

// FailedLogin describes the outcome of an atomic failed-attempt increment.
type FailedLogin struct {
	Attempts    int
	LockedUntil *time.Time
	// AlreadyLocked is set when the row was found locked by a concurrent request
	// and the counter was not touched.
	AlreadyLocked bool
}

// UserInput carries the administrative fields of a user record. On update an
// empty Password leaves the current password untouched.
type UserInput struct {
	ID              string
	DisplayName     string
	Password        string
	Status          string
	DefaultFacility string
	Language        string
	Roles           []string
	Facilities      []string
	Customers       []string
}
