package notebook

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("mapping conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrExternalUnavailable = errors.New("external notebook service unavailable")
	ErrExternalRejected    = errors.New("external notebook service rejected request")
	ErrCreationTimeout     = errors.New("timed out waiting for notebook creation")
	ErrNotImplemented      = errors.New("not implemented")
	ErrSessionExpired      = errors.New("external session expired")
)

// ConflictError reports a state transition attempted against a mapping that
// is not in the expected state, or whose reservation belongs to another resolver.
type ConflictError struct {
	UserID   string
	Expected Status
	Current  Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for %s: expected %s, found %s", e.UserID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ExternalError is the classified failure surfaced by a Client once its
// retry budget is spent.
type ExternalError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Temporary  bool
}

func (e *ExternalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: status=%d code=%s message=%s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed: status=%d message=%s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *ExternalError) Is(target error) bool {
	if e.Temporary {
		return target == ErrExternalUnavailable
	}
	return target == ErrExternalRejected
}

// CreationError is what a waiter observes when the reservation winner
// recorded a failed creation.
type CreationError struct {
	UserID    string
	Reason    string
	Permanent bool
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("notebook creation failed for %s: %s", e.UserID, e.Reason)
}

func (e *CreationError) Is(target error) bool {
	if e.Permanent {
		return target == ErrExternalRejected
	}
	return target == ErrExternalUnavailable
}

// IsPermanent reports whether err will never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrExternalRejected)
}
