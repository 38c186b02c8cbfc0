package errors

import (
	"errors"
	"fmt"
)

// Common error types for the chat session/connection subsystem
var (
	// Authentication errors
	ErrNoActiveAccount = errors.New("no active account")
	ErrAuthRequired    = errors.New("authorization required")
	ErrInteractionBusy = errors.New("interaction already in progress")
	ErrConsentRequired = errors.New("consent required")

	// Token errors
	ErrProvider     = errors.New("identity provider error")
	ErrTokenExpired = errors.New("token expired")

	// Connection errors
	ErrTransport    = errors.New("transport error")
	ErrNotConnected = errors.New("not connected")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionArchived = errors.New("session archived")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
