package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"modernwms.org/internal/ids"
	"modernwms.org/internal/obs"
)

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token              string
	ExpiresAt          time.Time
	UserID             string
	DisplayName        string
	Roles              []string
	Permissions        []string
	MustChangePassword bool
	PasswordExpired    bool
}

// Service runs the login state machine, the password lifecycle and the
// authorization gate over a Store.
type Service struct {
	store   Store
	tokens  *TokenIssuer
	hasher  PasswordHasher
	policy  PasswordPolicy
	history *HistoryChecker
	audit   AuditSink
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithPolicy replaces the default password policy.
func WithPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		if err := p.Check(); err != nil {
			return err
		}
		s.policy = p
		return nil
	}
}

// WithHasher overrides the password hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithAuditSink sets the destination for audit events.
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.audit = sink
		}
		return nil
	}
}

// WithLogger overrides the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		store:  store,
		tokens: tokens,
		hasher: NewBcryptHasher(DefaultBcryptCost),
		policy: DefaultPasswordPolicy(),
		audit:  NopAuditSink{},
		logger: obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.history = NewHistoryChecker(store.History(context.Background()), svc.hasher, svc.policy.HistoryCount)
	return svc, nil
}

// PasswordPolicy returns a copy of the active policy.
func (s *Service) PasswordPolicy() PasswordPolicy {
	return s.policy
}

// ValidatePassword applies the active policy.
func (s *Service) ValidatePassword(password string) (bool, string) {
	return s.policy.Validate(password)
}

// Hasher exposes the configured hasher to administrative paths.
func (s *Service) Hasher() PasswordHasher {
	return s.hasher
}

// Login verifies credentials and issues a session token.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	now := s.now().UTC()
	users := s.store.Users(ctx)

	user, err := users.Get(ctx, username)
	if errors.Is(err, ErrNotFound) || (err == nil && !user.Active()) {
		reason := "User not found"
		if err == nil {
			reason = "User inactive"
		}
		s.record(ctx, loginEntry(username, ActionLoginFail, reason, now))
		obs.ObserveLogin(obs.LoginInvalidCredentials)
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		obs.ObserveLogin(obs.LoginError)
		return LoginResult{}, storageErr("load user", err)
	}

	if user.LockedAt(now) {
		obs.ObserveLogin(obs.LoginLocked)
		return LoginResult{}, &LockoutError{RemainingMinutes: remainingMinutes(*user.LockedUntil, now)}
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		return LoginResult{}, s.failLogin(ctx, user.ID, now)
	}

	if err := users.RecordSuccessfulLogin(ctx, user.ID, now); err != nil {
		obs.ObserveLogin(obs.LoginError)
		return LoginResult{}, storageErr("record login", err)
	}
	perms, err := s.permissionsFor(ctx, user.Roles)
	if err != nil {
		obs.ObserveLogin(obs.LoginError)
		return LoginResult{}, err
	}
	expired := user.PasswordExpiredAt(now)
	token, session, err := s.tokens.Issue(Session{
		UserID:             user.ID,
		MustChangePassword: user.MustChangePassword,
		PasswordExpired:    expired,
		Roles:              user.Roles,
		Permissions:        perms,
	}, now)
	if err != nil {
		obs.ObserveLogin(obs.LoginError)
		return LoginResult{}, err
	}

	s.record(ctx, loginEntry(user.ID, ActionLoginSuccess, "", now))
	obs.ObserveLogin(obs.LoginSuccess)
	return LoginResult{
		Token:              token,
		ExpiresAt:          session.ExpiresAt,
		UserID:             user.ID,
		DisplayName:        user.DisplayName,
		Roles:              user.Roles,
		Permissions:        perms,
		MustChangePassword: user.MustChangePassword,
		PasswordExpired:    expired,
	}, nil
}

func (s *Service) failLogin(ctx context.Context, userID string, now time.Time) error {
	res, err := s.store.Users(ctx).RecordFailedLogin(ctx, userID, now, s.policy.MaxFailedAttempts, s.policy.LockoutDuration())
	if err != nil {
		obs.ObserveLogin(obs.LoginError)
		return storageErr("record failed login", err)
	}
	if res.AlreadyLocked && res.LockedUntil != nil {
		obs.ObserveLogin(obs.LoginLocked)
		return &LockoutError{RemainingMinutes: remainingMinutes(*res.LockedUntil, now)}
	}
	if res.LockedUntil != nil {
		s.record(ctx, loginEntry(userID, ActionAccountLocked,
			fmt.Sprintf("Locked after %d failed attempts", res.Attempts), now))
		s.logger.Warn("account locked", slog.String("user_id", userID), slog.Int("attempts", res.Attempts))
		obs.ObserveLockout()
		obs.ObserveLogin(obs.LoginLocked)
		return &LockoutError{RemainingMinutes: s.policy.LockoutMinutes, JustLocked: true}
	}
	s.record(ctx, loginEntry(userID, ActionLoginFail, "Invalid password", now))
	obs.ObserveLogin(obs.LoginInvalidCredentials)
	return ErrInvalidCredentials
}

// ChangePassword rotates the caller's own password.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users(ctx).Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return storageErr("load user", err)
	}
	if !user.Active() {
		return ErrUnauthorized
	}
	if !s.hasher.Verify(user.PasswordHash, current) {
		return ErrInvalidCurrentPassword
	}
	return s.applyPassword(ctx, user, next, user.ID, false, ActionChangePassword, "self")
}

// AdminResetPassword sets a new password for target without verifying the
// current one and forces a change on next login.
func (s *Service) AdminResetPassword(ctx context.Context, actorID, targetID, next string) error {
	user, err := s.store.Users(ctx).Get(ctx, targetID)
	if err != nil {
		return storageErr("load user", err)
	}
	return s.applyPassword(ctx, user, next, actorID, true, ActionResetPassword, "reset")
}

func (s *Service) applyPassword(ctx context.Context, user *User, next, actorID string, mustChange bool, action, kind string) error {
	change, err := s.preparePasswordChange(ctx, user, next, actorID, mustChange)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).ApplyPasswordChange(ctx, change); err != nil {
		return storageErr("apply password change", err)
	}
	s.passwordChanged(ctx, change, action, kind)
	return nil
}

// preparePasswordChange runs the policy and history checks and hashes next.
// Nothing is written.
func (s *Service) preparePasswordChange(ctx context.Context, user *User, next, actorID string, mustChange bool) (PasswordChange, error) {
	if ok, reason := s.policy.Validate(next); !ok {
		return PasswordChange{}, &PolicyError{Reason: reason}
	}
	if s.policy.HistoryCount > 0 && s.hasher.Verify(user.PasswordHash, next) {
		return PasswordChange{}, ErrPasswordReused
	}
	allowed, err := s.history.CheckReuse(ctx, user.ID, next)
	if err != nil {
		return PasswordChange{}, err
	}
	if !allowed {
		return PasswordChange{}, ErrPasswordReused
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return PasswordChange{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	return PasswordChange{
		UserID:             user.ID,
		PreviousHash:       user.PasswordHash,
		NewHash:            hash,
		ChangedAt:          now,
		ExpiresAt:          s.policy.ExpiryFrom(now),
		MustChangePassword: mustChange,
		HistoryID:          ids.NewAt(now),
		ActorID:            actorID,
	}, nil
}

func (s *Service) passwordChanged(ctx context.Context, c PasswordChange, action, kind string) {
	obs.ObservePasswordChange(kind)
	s.record(ctx, AuditEntry{
		Entity:     EntityUser,
		RecordID:   c.UserID,
		Action:     action,
		ActorID:    c.ActorID,
		OccurredAt: c.ChangedAt,
	})
}

// Authenticate verifies a bearer token.
func (s *Service) Authenticate(token string) (Session, error) {
	return s.tokens.Parse(token, s.now())
}

// Principal loads the user and resolves permissions from current role grants.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := s.store.Users(ctx).Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, storageErr("load user", err)
	}
	if !user.Active() {
		return Principal{}, ErrUnauthorized
	}
	perms, err := s.permissionsFor(ctx, user.Roles)
	if err != nil {
		return Principal{}, err
	}
	user.Permissions = perms
	principal := NewPrincipal(user, perms)
	return principal, nil
}

// Require ensures user has a permission.
func (s *Service) Require(ctx context.Context, userID, perm string) (Principal, error) {
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	if !principal.HasPermission(perm) {
		return principal, ErrForbidden
	}
	return principal, nil
}

// HasPermission reports whether userID currently holds perm.
func (s *Service) HasPermission(ctx context.Context, userID, perm string) (bool, error) {
	_, err := s.Require(ctx, userID, perm)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) permissionsFor(ctx context.Context, roleIDs []string) ([]string, error) {
	roles := s.store.Roles(ctx)
	set := make(PermissionSet)
	for _, roleID := range roleIDs {
		list, err := roles.PermissionsForRole(ctx, roleID)
		if err != nil {
			return nil, storageErr("load role permissions", err)
		}
		for _, id := range list {
			set[id] = struct{}{}
		}
	}
	return set.Sorted(), nil
}

func (s *Service) record(ctx context.Context, entry AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	s.audit.Record(ctx, entry)
}

func loginEntry(userID, action, reason string, at time.Time) AuditEntry {
	e := AuditEntry{
		Entity:     EntityUser,
		RecordID:   userID,
		Action:     action,
		ActorID:    userID,
		OccurredAt: at,
	}
	if reason != "" {
		e.NewValue = &reason
	}
	return e
}

// remainingMinutes rounds the rest of the lock window up to whole minutes.
func remainingMinutes(until, now time.Time) int {
	m := int(math.Ceil(until.Sub(now).Minutes()))
	if m < 1 {
		m = 1
	}
	return m
}
