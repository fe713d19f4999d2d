package model

// EnrollmentStatus is the closed set of states an enrollment moves through.
// Transitions are validated centrally (see Transitions) rather than with
// ad-hoc string comparisons at call sites.
type EnrollmentStatus string

const (
	EnrollmentPending    EnrollmentStatus = "pending"
	EnrollmentApproved   EnrollmentStatus = "approved"
	EnrollmentRejected   EnrollmentStatus = "rejected"
	EnrollmentInProgress EnrollmentStatus = "in_progress"
	EnrollmentCompleted  EnrollmentStatus = "completed"
	EnrollmentCancelled  EnrollmentStatus = "cancelled"
)

// Transitions maps each status to the set of statuses it may move to.
// Terminal states (rejected, cancelled, completed) map to nothing.
var Transitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentPending:    {EnrollmentApproved, EnrollmentRejected, EnrollmentCancelled},
	EnrollmentApproved:   {EnrollmentInProgress, EnrollmentCancelled},
	EnrollmentInProgress: {EnrollmentCompleted},
}

// CanTransition reports whether moving from one status to another is a
// valid edge of the enrollment state machine.
func CanTransition(from, to EnrollmentStatus) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return len(Transitions[s]) == 0
}

// ActiveStatuses are the statuses that count as holding (or contending for)
// a place in a session. At most one enrollment per (student, session) pair
// may be in one of these.
var ActiveStatuses = []EnrollmentStatus{
	EnrollmentPending,
	EnrollmentApproved,
	EnrollmentInProgress,
}

// IsActive reports whether the status is one of ActiveStatuses.
func (s EnrollmentStatus) IsActive() bool {
	switch s {
	case EnrollmentPending, EnrollmentApproved, EnrollmentInProgress:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a course session. Sessions are
// managed by the catalog; this service only reads the status to decide
// whether new enrollment requests are accepted.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)
