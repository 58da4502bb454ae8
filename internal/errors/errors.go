package errors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Common error types for the session client
var (
	// Credential errors
	ErrUnreadableCredential = errors.New("unreadable credential")
	ErrNoSession            = errors.New("no session")

	// Renewal errors
	ErrRenewalFailed   = errors.New("credential renewal failed")
	ErrRefreshRejected = errors.New("refresh credential invalid or expired")
	ErrSessionInvalid  = errors.New("session is no longer valid")

	// Transport errors
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAuthenticationFailed   = errors.New("authentication failed")

	// Storage errors
	ErrStorage  = errors.New("storage error")
	ErrNotFound = errors.New("not found")
)

// Wrapf annotates err with a formatted message, keeping it matchable with Is
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Transient reports whether err is a renewal failure that leaves the session intact.
func Transient(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrRefreshRejected) &&
		!errors.Is(err, ErrSessionInvalid) &&
		!errors.Is(err, ErrNoSession)
}
