package notebook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// Mapping links a platform user to the notebook created for them in the
// external product.
type Mapping struct {
	UserID      string    `json:"userId"`
	NotebookID  string    `json:"notebookId,omitempty"`
	DisplayName string    `json:"displayName"`
	Status      Status    `json:"status"`
	Reservation string    `json:"-"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	Permanent   bool      `json:"permanent,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MappingStore is the durable user to notebook record. Reserve and Reclaim
// must be atomic with respect to concurrent callers for the same user; every
// other transition is conditional on the current status (and, for MarkActive
// and MarkFailed, on the reservation token).
type MappingStore interface {
	Get(ctx context.Context, userID string) (Mapping, error)
	// Reserve inserts a pending record when none exists and reports whether
	// this call created it. Existing records are returned unmodified.
	Reserve(ctx context.Context, userID, displayName string) (Mapping, bool, error)
	// Reclaim moves a failed or deleted record, or a pending record last
	// updated before staleBefore, back to pending under a new reservation.
	Reclaim(ctx context.Context, userID string, staleBefore time.Time) (Mapping, bool, error)
	MarkActive(ctx context.Context, userID, reservation, notebookID string) error
	MarkFailed(ctx context.Context, userID, reservation, reason string, permanent bool) error
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]Mapping, error)
	Close() error
}

var userIDFolder = cases.Fold()

// NormalizeUserID trims and case-folds a platform identity so that
// "A@X.com" and "a@x.com " resolve to the same mapping.
func NormalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > 320 {
		return "", ErrInvalidInput
	}
	if strings.ContainsAny(trimmed, "/\\\x00") {
		return "", ErrInvalidInput
	}
	return userIDFolder.String(trimmed), nil
}

func newReservation() string {
	return uuid.NewString()
}

func newPendingMapping(userID, displayName string, now time.Time) Mapping {
	return Mapping{
		UserID:      userID,
		DisplayName: displayName,
		Status:      StatusPending,
		Reservation: newReservation(),
		Attempts:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// reclaimable mirrors the condition every backend applies inside its atomic
// Reclaim statement.
func reclaimable(m Mapping, staleBefore time.Time) bool {
	switch m.Status {
	case StatusFailed, StatusDeleted:
		return true
	case StatusPending:
		return !staleBefore.IsZero() && m.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}

func reclaimed(m Mapping, now time.Time) Mapping {
	m.Status = StatusPending
	m.Reservation = newReservation()
	m.Attempts++
	m.NotebookID = ""
	m.LastError = ""
	m.Permanent = false
	m.UpdatedAt = now
	return m
}

func deleteConflict(m Mapping) error {
	if m.Status == StatusPending {
		return &ConflictError{UserID: m.UserID, Expected: StatusActive, Current: m.Status}
	}
	return nil
}
