// Package repository implements durable storage for enrollments and the
// per-session seat accounting. It exposes a single Store abstraction with
// two backing implementations: PostgreSQL (pgx, no ORM) for production and
// an in-memory store for tests and local development.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/joonseo-kim/lms-enrollment/internal/model"
)

// ErrNotFound is returned when a requested enrollment or session does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEnrollment is returned when an active enrollment already
// exists for the (student, session) pair.
var ErrDuplicateEnrollment = errors.New("student already has an active enrollment for this session")

// ErrStaleState is returned when a conditional transition finds the
// enrollment no longer in an expected status (a concurrent actor decided
// first).
var ErrStaleState = errors.New("enrollment is no longer in the expected status")

// ErrCapacityExceeded is returned when a session has no free seat left.
var ErrCapacityExceeded = errors.New("session has no remaining capacity")

// TransitionFields carries the optional columns a status transition may set.
// Nil fields are left untouched.
type TransitionFields struct {
	ApprovedAt      *time.Time
	ApprovedBy      *string
	RejectedAt      *time.Time
	RejectedBy      *string
	RejectionReason *string
	CompletedAt     *time.Time
	FinalGrade      *float64
	Notes           *string
}

// EnrollmentStore is the query and mutation surface the workflow engine
// needs over enrollment records.
type EnrollmentStore interface {
	// FindByID returns an enrollment or ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.Enrollment, error)

	// FindActive returns the enrollment in an active status
	// (pending/approved/in_progress) for the pair, or ErrNotFound.
	FindActive(ctx context.Context, studentID, sessionID string) (*model.Enrollment, error)

	// Create inserts a new enrollment. Returns ErrDuplicateEnrollment if an
	// active enrollment for the pair already exists; the check is race-safe
	// (unique constraint), not a pre-read.
	Create(ctx context.Context, e *model.Enrollment) error

	// Transition is the compare-and-swap primitive every status change goes
	// through: the update applies only if the current status is one of from.
	// Returns the updated enrollment, ErrStaleState if the precondition
	// failed, or ErrNotFound.
	Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, fields TransitionFields) (*model.Enrollment, error)

	// FindPendingForSession lists pending enrollments for admin review,
	// oldest application first.
	FindPendingForSession(ctx context.Context, sessionID string) ([]model.Enrollment, error)

	// FindByStudent lists all enrollments of a student, newest first.
	FindByStudent(ctx context.Context, studentID string) ([]model.Enrollment, error)
}

// CapacityGuard is the sole authority over a session's occupied-seat count.
type CapacityGuard interface {
	// ReserveSeat atomically increments the occupied count if a seat is
	// free. Returns ErrCapacityExceeded when the session is full, or
	// ErrNotFound. The increment is a single conditional update, never a
	// read-then-write.
	ReserveSeat(ctx context.Context, sessionID string) error

	// ReleaseSeat decrements the occupied count of a previously reserved
	// seat. Never goes below zero; an attempt to do so is clamped and
	// logged as an invariant violation.
	ReleaseSeat(ctx context.Context, sessionID string) error
}

// Catalog is the read surface over course sessions. Session lifecycle is
// owned by the course catalog; CreateSession exists for seeding and tests.
type Catalog interface {
	GetSession(ctx context.Context, sessionID string) (*model.CourseSession, error)
	CreateSession(ctx context.Context, s *model.CourseSession) error
}

// Store combines the three storage concerns with a transaction boundary.
type Store interface {
	EnrollmentStore
	CapacityGuard
	Catalog

	// InTx runs fn against a transaction-scoped store and commits if fn
	// returns nil, rolling back otherwise. Calling InTx on a store that is
	// already transaction-scoped joins the current transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
