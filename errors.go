package quicmigrate

import (
	"errors"
	"fmt"
)

// ErrMigrationInProgress indicates a second migration request arrived while
// one attempt was still in flight. Requests are not queued; callers retry
// after the pending attempt resolves.
var ErrMigrationInProgress = errors.New("migration already in progress")

// ErrNoAvailableID indicates the connection ID pool could not supply a
// fresh ID for the migration. Callers should retry after the peer issues
// more IDs.
var ErrNoAvailableID = errors.New("no connection ID available for migration")

// ErrUnvalidatedPeerPath indicates packets from a new peer address were
// rejected because that address has not passed validation yet.
var ErrUnvalidatedPeerPath = errors.New("peer address change not yet validated")

// ErrConnectionClosed indicates an operation on a closed connection.
var ErrConnectionClosed = errors.New("connection is closed")

// FailureReason classifies why a migration attempt failed.
type FailureReason uint8

const (
	// ReasonTimeout means no path response arrived within the deadline.
	ReasonTimeout FailureReason = iota + 1
	// ReasonValidationRejected means the path response carried a wrong token.
	ReasonValidationRejected
	// ReasonNoRoute means the candidate path could not be opened or written.
	ReasonNoRoute
)

// String returns a human-readable reason name.
func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonValidationRejected:
		return "validation_rejected"
	case ReasonNoRoute:
		return "no_route"
	default:
		return "unknown"
	}
}

// MigrationFailedError reports a failed migration attempt. The connection
// keeps running on its previous path; this error never implies teardown.
type MigrationFailedError struct {
	Reason FailureReason
	Err    error
}

// Error implements the error interface.
func (e *MigrationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("migration failed (%s)", e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *MigrationFailedError) Unwrap() error {
	return e.Err
}
