package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("auth: not found")
	ErrConflict               = errors.New("auth: conflict")
	ErrInvalidInput           = errors.New("auth: invalid input")
	ErrUnauthorized           = errors.New("auth: unauthorized")
	ErrForbidden              = errors.New("auth: forbidden")
	ErrInvalidToken           = errors.New("auth: invalid token")
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrInvalidCurrentPassword = errors.New("auth: invalid current password")
	ErrPasswordReused         = errors.New("auth: password reused")
	ErrStorageUnavailable     = errors.New("auth: storage unavailable")
)

// Caller-facing texts. They never carry storage or hash details.
const (
	MsgInvalidCredentials     = "Invalid username or password"
	MsgInvalidCurrentPassword = "Current password is incorrect"
	MsgPasswordReused         = "You cannot use a recently used password"
)

// LockoutError reports a rejected login because the account is locked.
type LockoutError struct {
	RemainingMinutes int
	// JustLocked is set when this attempt crossed the failure threshold.
	JustLocked bool
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("auth: account locked for %d minutes", e.RemainingMinutes)
}

// Message returns the text shown to the caller.
func (e *LockoutError) Message() string {
	if e.JustLocked {
		return fmt.Sprintf("Account locked due to too many failed attempts. Try again in %d minutes.", e.RemainingMinutes)
	}
	return fmt.Sprintf("Account is locked. Try again in %d minutes.", e.RemainingMinutes)
}

// PolicyError reports a password that does not satisfy the active policy.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "auth: password policy: " + e.Reason }

// StorageError wraps a backing store failure. It matches ErrStorageUnavailable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("auth: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// storageErr wraps err unless it already carries a domain meaning.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrStorageUnavailable):
		return err
	}
	return &StorageError{Op: op, Err: err}
}
