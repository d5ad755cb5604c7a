package profile

import (
	"errors"
	"fmt"
)

// Sentinel errors for profile operations.
var (
	// ErrNotFound indicates no profile exists at the store location.
	ErrNotFound = errors.New("profile not found")

	// ErrInvalidFormat indicates the stored profile could not be decoded.
	ErrInvalidFormat = errors.New("invalid profile format")

	// ErrUnsupportedVersion indicates the profile was written by an
	// incompatible version.
	ErrUnsupportedVersion = errors.New("unsupported profile version")

	// ErrInvalidURI indicates a store URI could not be parsed.
	ErrInvalidURI = errors.New("invalid profile uri")

	// ErrAccessDenied indicates the remote store rejected the credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the remote store is rate limiting requests.
	ErrThrottled = errors.New("request throttled")
)

// StoreError wraps store-specific errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Load", "Save").
	Op string

	// Location is the store location (path or s3 URI).
	Location string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("profile %s %s: %v", e.Op, e.Location, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// PatternError reports an invalid label pattern.
type PatternError struct {
	Pattern string
	Err     error
}

// Error implements the error interface.
func (e *PatternError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid label pattern %q: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("invalid label pattern %q", e.Pattern)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PatternError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates no profile was stored yet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
