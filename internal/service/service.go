// Package service implements the enrollment workflow engine: the state
// machine over enrollment records, the authorization gates around each
// transition, and the coupling between status changes and seat accounting.
// It is the only writer of enrollment state.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joonseo-kim/lms-enrollment/internal/auth"
	"github.com/joonseo-kim/lms-enrollment/internal/model"
	"github.com/joonseo-kim/lms-enrollment/internal/repository"
)

// ErrForbidden is returned when the caller lacks the role or ownership a
// transition requires.
var ErrForbidden = errors.New("forbidden")

// ErrSessionUnavailable is returned when the target session is not open for
// new enrollment requests.
var ErrSessionUnavailable = errors.New("session is not open for enrollment")

// ErrValidation wraps request validation failures.
var ErrValidation = errors.New("invalid request")

// Workflow orchestrates enrollment transitions against the store.
type Workflow struct {
	store repository.Store
}

// NewWorkflow constructs a Workflow over a store.
func NewWorkflow(store repository.Store) *Workflow {
	return &Workflow{store: store}
}

// Request creates a pending enrollment for the calling student.
//
// A pending request does not hold a seat: capacity is counted at approval
// time. A flood of pending requests can therefore exceed the session's true
// capacity; the surplus is resolved when admins approve (the guard rejects
// approvals past capacity).
func (w *Workflow) Request(ctx context.Context, caller auth.Caller, sessionID, notes string) (*model.Enrollment, error) {
	if caller.Role != auth.RoleStudent {
		return nil, fmt.Errorf("%w: only students can request enrollment", ErrForbidden)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}

	session, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.LifecycleStatus != model.SessionScheduled {
		return nil, ErrSessionUnavailable
	}

	// Early duplicate check for a friendly error. The unique constraint in
	// Create is what makes this race-safe; this read is not the guarantee.
	if _, err := w.store.FindActive(ctx, caller.UserID, sessionID); err == nil {
		return nil, repository.ErrDuplicateEnrollment
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check active enrollment: %w", err)
	}

	now := time.Now().UTC()
	e := &model.Enrollment{
		ID:        uuid.New().String(),
		StudentID: caller.UserID,
		SessionID: sessionID,
		Status:    model.EnrollmentPending,
		AppliedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		e.Notes = &notes
	}
	if err := w.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Approve flips a pending enrollment to approved and reserves a seat, as
// one atomic unit. If the seat reservation fails the transaction rolls
// back, returning the enrollment to pending: the system never holds an
// approved-but-unseated enrollment, and never oversubscribes a session.
func (w *Workflow) Approve(ctx context.Context, caller auth.Caller, enrollmentID, notes string) (*model.Enrollment, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can approve enrollments", ErrForbidden)
	}

	var approved *model.Enrollment
	err := w.store.InTx(ctx, func(tx repository.Store) error {
		now := time.Now().UTC()
		fields := repository.TransitionFields{
			ApprovedAt: &now,
			ApprovedBy: &caller.UserID,
		}
		if notes = strings.TrimSpace(notes); notes != "" {
			fields.Notes = &notes
		}
		e, err := tx.Transition(ctx, enrollmentID,
			[]model.EnrollmentStatus{model.EnrollmentPending},
			model.EnrollmentApproved, fields)
		if err != nil {
			return err
		}
		if err := tx.ReserveSeat(ctx, e.SessionID); err != nil {
			return err
		}
		approved = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// Reject flips a pending enrollment to rejected. No seat was reserved for
// a pending request, so there is no capacity effect.
func (w *Workflow) Reject(ctx context.Context, caller auth.Caller, enrollmentID, reason string) (*model.Enrollment, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can reject enrollments", ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	now := time.Now().UTC()
	return w.store.Transition(ctx, enrollmentID,
		[]model.EnrollmentStatus{model.EnrollmentPending},
		model.EnrollmentRejected,
		repository.TransitionFields{
			RejectedAt:      &now,
			RejectedBy:      &caller.UserID,
			RejectionReason: &reason,
		})
}

// Withdraw cancels a pending or approved enrollment. The caller must be
// the enrolled student or an admin. Withdrawing an approved enrollment
// releases its seat in the same transaction.
func (w *Workflow) Withdraw(ctx context.Context, caller auth.Caller, enrollmentID string) (*model.Enrollment, error) {
	var cancelled *model.Enrollment
	err := w.store.InTx(ctx, func(tx repository.Store) error {
		e, err := tx.FindByID(ctx, enrollmentID)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && caller.UserID != e.StudentID {
			return fmt.Errorf("%w: only the enrolled student or an admin can withdraw", ErrForbidden)
		}
		prior := e.Status
		if prior != model.EnrollmentPending && prior != model.EnrollmentApproved {
			return repository.ErrStaleState
		}
		// CAS from the observed status: if a concurrent actor decided
		// between the read above and here, the transition fails and the
		// whole transaction aborts.
		updated, err := tx.Transition(ctx, enrollmentID,
			[]model.EnrollmentStatus{prior},
			model.EnrollmentCancelled, repository.TransitionFields{})
		if err != nil {
			return err
		}
		if prior == model.EnrollmentApproved {
			if err := tx.ReleaseSeat(ctx, updated.SessionID); err != nil {
				return err
			}
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// Start moves an approved enrollment to in_progress once the session
// begins. No capacity effect: the seat was reserved at approval.
func (w *Workflow) Start(ctx context.Context, caller auth.Caller, enrollmentID string) (*model.Enrollment, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can start enrollments", ErrForbidden)
	}
	return w.store.Transition(ctx, enrollmentID,
		[]model.EnrollmentStatus{model.EnrollmentApproved},
		model.EnrollmentInProgress, repository.TransitionFields{})
}

// Complete finishes an in-progress enrollment with a final grade.
func (w *Workflow) Complete(ctx context.Context, caller auth.Caller, enrollmentID string, finalGrade float64) (*model.Enrollment, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can complete enrollments", ErrForbidden)
	}
	if finalGrade < 0 || finalGrade > 100 {
		return nil, fmt.Errorf("%w: final grade must be between 0 and 100", ErrValidation)
	}

	now := time.Now().UTC()
	return w.store.Transition(ctx, enrollmentID,
		[]model.EnrollmentStatus{model.EnrollmentInProgress},
		model.EnrollmentCompleted,
		repository.TransitionFields{
			CompletedAt: &now,
			FinalGrade:  &finalGrade,
		})
}

// MyEnrollments lists the calling user's enrollments.
func (w *Workflow) MyEnrollments(ctx context.Context, caller auth.Caller) ([]model.Enrollment, error) {
	return w.store.FindByStudent(ctx, caller.UserID)
}

// PendingForSession lists a session's pending enrollments for admin review.
func (w *Workflow) PendingForSession(ctx context.Context, caller auth.Caller, sessionID string) ([]model.Enrollment, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can review pending enrollments", ErrForbidden)
	}
	if _, err := w.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return w.store.FindPendingForSession(ctx, sessionID)
}
