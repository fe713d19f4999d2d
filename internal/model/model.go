// Package model defines the core domain types for the enrollment service.
package model

import "time"

// CourseSession is one scheduled offering of a course. Sessions are created
// by the catalog; this service mutates only the occupied counter, and only
// through the capacity guard.
type CourseSession struct {
	ID              string        `json:"id"`
	CourseID        string        `json:"course_id"`
	Capacity        int           `json:"capacity"`
	Occupied        int           `json:"occupied"`
	LifecycleStatus SessionStatus `json:"lifecycle_status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Remaining returns the number of free seats.
func (s *CourseSession) Remaining() int {
	return s.Capacity - s.Occupied
}

// IsFull returns true when no seats remain.
func (s *CourseSession) IsFull() bool {
	return s.Occupied >= s.Capacity
}

// Enrollment is one student's relationship to one course session. Rows are
// never deleted; withdrawal and rejection are terminal statuses so the full
// history stays auditable.
type Enrollment struct {
	ID                string           `json:"id"`
	StudentID         string           `json:"student_id"`
	SessionID         string           `json:"session_id"`
	Status            EnrollmentStatus `json:"status"`
	AppliedAt         time.Time        `json:"applied_at"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	ApprovedBy        *string          `json:"approved_by,omitempty"`
	RejectedAt        *time.Time       `json:"rejected_at,omitempty"`
	RejectedBy        *string          `json:"rejected_by,omitempty"`
	RejectionReason   *string          `json:"rejection_reason,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	FinalGrade        *float64         `json:"final_grade,omitempty"`
	CertificateIssued bool             `json:"certificate_issued"`
	Notes             *string          `json:"notes,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// EnrollRequest is the payload for requesting enrollment in a session.
type EnrollRequest struct {
	SessionID string `json:"session_id"`
	Notes     string `json:"notes,omitempty"`
}

// ApproveRequest is the payload for approving a pending enrollment.
type ApproveRequest struct {
	Notes string `json:"notes,omitempty"`
}

// RejectRequest is the payload for rejecting a pending enrollment.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// CompleteRequest is the payload for completing an in-progress enrollment.
type CompleteRequest struct {
	FinalGrade float64 `json:"final_grade"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
