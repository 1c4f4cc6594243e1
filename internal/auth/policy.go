package auth

import (
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

// PasswordPolicy declares complexity, history, expiry and lockout rules.
type PasswordPolicy struct {
	MinimumLength      int  `json:"minimum_length" toml:"minimum_length"`
	RequireUppercase   bool `json:"require_uppercase" toml:"require_uppercase"`
	RequireLowercase   bool `json:"require_lowercase" toml:"require_lowercase"`
	RequireDigit       bool `json:"require_digit" toml:"require_digit"`
	RequireSpecialChar bool `json:"require_special_char" toml:"require_special_char"`
	MaxFailedAttempts  int  `json:"max_failed_attempts" toml:"max_failed_attempts"`
	LockoutMinutes     int  `json:"lockout_minutes" toml:"lockout_minutes"`
	// ExpirationDays of zero disables expiry.
	ExpirationDays int `json:"expiration_days" toml:"expiration_days"`
	HistoryCount   int `json:"history_count" toml:"history_count"`
}

// DefaultPasswordPolicy returns the policy applied when nothing is configured.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinimumLength:      8,
		RequireUppercase:   true,
		RequireLowercase:   true,
		RequireDigit:       true,
		RequireSpecialChar: true,
		MaxFailedAttempts:  5,
		LockoutMinutes:     15,
		ExpirationDays:     90,
		HistoryCount:       5,
	}
}

// Validate checks the password against the policy. The first failing rule
// determines the message: required, length, uppercase, lowercase, digit, special.
func (p PasswordPolicy) Validate(password string) (bool, string) {
	if password == "" {
		return false, "Password is required"
	}
	if utf8.RuneCountInString(password) < p.MinimumLength {
		return false, fmt.Sprintf("Password must be at least %d characters long", p.MinimumLength)
	}
	if len(password) > MaxPasswordBytes {
		return false, fmt.Sprintf("Password must be at most %d bytes long", MaxPasswordBytes)
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			special = true
		}
	}
	switch {
	case p.RequireUppercase && !upper:
		return false, "Password must contain at least one uppercase letter"
	case p.RequireLowercase && !lower:
		return false, "Password must contain at least one lowercase letter"
	case p.RequireDigit && !digit:
		return false, "Password must contain at least one number"
	case p.RequireSpecialChar && !special:
		return false, "Password must contain at least one special character"
	}
	return true, ""
}

// LockoutDuration returns the lock window applied after too many failures.
func (p PasswordPolicy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutMinutes) * time.Minute
}

// ExpiryFrom computes the password expiry for a change made at t.
// It returns nil when expiry is disabled.
func (p PasswordPolicy) ExpiryFrom(t time.Time) *time.Time {
	if p.ExpirationDays <= 0 {
		return nil
	}
	exp := t.AddDate(0, 0, p.ExpirationDays)
	return &exp
}

// Check validates thresholds that must be positive for lockout to work.
func (p PasswordPolicy) Check() error {
	if p.MinimumLength < 1 {
		return fmt.Errorf("%w: minimum_length must be positive", ErrInvalidInput)
	}
	if p.MaxFailedAttempts < 1 {
		return fmt.Errorf("%w: max_failed_attempts must be positive", ErrInvalidInput)
	}
	if p.LockoutMinutes < 1 {
		return fmt.Errorf("%w: lockout_minutes must be positive", ErrInvalidInput)
	}
	if p.ExpirationDays < 0 || p.HistoryCount < 0 {
		return fmt.Errorf("%w: expiration_days and history_count must not be negative", ErrInvalidInput)
	}
	return nil
}
