package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling with errors.Is.
var (
	ErrNotInitialized   = errors.New("local core not initialized")
	ErrNotFound         = errors.New("record not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSwitchInFlight   = errors.New("practice switch already in flight")
)

// ValidationError marks a payload the server rejected as malformed. It is
// never retried automatically.
type ValidationError struct {
	EntityType string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.EntityType, e.Detail)
}

// NetworkError marks a transient transport failure, retried with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError marks a mutation whose assumed base version no longer
// matches the server's current version. It is surfaced, never auto-resolved.
type ConflictError struct {
	EntityType    string
	EntityID      string
	BaseVersion   int64
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: local base %d, server %d",
		e.EntityType, e.EntityID, e.BaseVersion, e.ServerVersion)
}

// CorruptSessionError marks a cached session that cannot be trusted, e.g.
// one still carrying a placeholder role. The session is discarded.
type CorruptSessionError struct {
	SessionID string
	Reason    string
}

func (e *CorruptSessionError) Error() string {
	return fmt.Sprintf("corrupt cached session %s: %s", e.SessionID, e.Reason)
}
