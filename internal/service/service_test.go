package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joonseo-kim/lms-enrollment/internal/auth"
	"github.com/joonseo-kim/lms-enrollment/internal/model"
	"github.com/joonseo-kim/lms-enrollment/internal/repository"
)

var (
	admin   = auth.Caller{UserID: "admin-1", Role: auth.RoleAdmin}
	student = auth.Caller{UserID: "stu-1", Role: auth.RoleStudent}
)

func studentN(n int) auth.Caller {
	return auth.Caller{UserID: fmt.Sprintf("stu-%d", n), Role: auth.RoleStudent}
}

func newWorkflow(t *testing.T) (*Workflow, repository.Store) {
	t.Helper()
	store := repository.NewMemory()
	return NewWorkflow(store), store
}

func seedSession(t *testing.T, store repository.Store, id string, capacity int, status model.SessionStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateSession(context.Background(), &model.CourseSession{
		ID:              id,
		CourseID:        "course-1",
		Capacity:        capacity,
		LifecycleStatus: status,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func occupied(t *testing.T, store repository.Store, sessionID string) int {
	t.Helper()
	sess, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess.Occupied
}

func TestRequestCreatesPendingWithoutReservingSeat(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 1, model.SessionScheduled)

	e, err := w.Request(ctx, student, "sess-1", "looking forward to it")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if e.Status != model.EnrollmentPending {
		t.Errorf("status = %s, want pending", e.Status)
	}
	if e.Notes == nil || *e.Notes != "looking forward to it" {
		t.Errorf("notes not stored: %v", e.Notes)
	}
	// A pending request holds no seat; capacity is counted at approval.
	if got := occupied(t, store, "sess-1"); got != 0 {
		t.Errorf("occupied = %d, want 0 before approval", got)
	}
}

func TestRequestRejectsNonStudent(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 1, model.SessionScheduled)

	if _, err := w.Request(ctx, admin, "sess-1", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("admin request = %v, want ErrForbidden", err)
	}
}

// Scenario B: requesting a cancelled session fails and leaves no record.
func TestRequestUnavailableSession(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionCancelled)

	if _, err := w.Request(ctx, student, "sess-1", ""); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("request = %v, want ErrSessionUnavailable", err)
	}
	mine, err := w.MyEnrollments(ctx, student)
	if err != nil {
		t.Fatalf("my enrollments: %v", err)
	}
	if len(mine) != 0 {
		t.Errorf("enrollment row created for unavailable session: %v", mine)
	}
}

func TestRequestMissingSession(t *testing.T) {
	ctx := context.Background()
	w, _ := newWorkflow(t)
	if _, err := w.Request(ctx, student, "missing", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("request = %v, want ErrNotFound", err)
	}
}

// Scenario C: a second request for the same pair before the first resolves.
func TestRequestDuplicate(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionScheduled)

	if _, err := w.Request(ctx, student, "sess-1", ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := w.Request(ctx, student, "sess-1", ""); !errors.Is(err, repository.ErrDuplicateEnrollment) {
		t.Errorf("second request = %v, want ErrDuplicateEnrollment", err)
	}
}

func TestApproveReservesSeat(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 2, model.SessionScheduled)

	e, err := w.Request(ctx, student, "sess-1", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	approved, err := w.Approve(ctx, admin, e.ID, "welcome")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != model.EnrollmentApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != admin.UserID {
		t.Errorf("approved_by = %v, want %s", approved.ApprovedBy, admin.UserID)
	}
	if got := occupied(t, store, "sess-1"); got != 1 {
		t.Errorf("occupied = %d, want 1", got)
	}
}

func TestApproveRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 2, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	if _, err := w.Approve(ctx, student, e.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("student approve = %v, want ErrForbidden", err)
	}
}

// Scenario A: capacity 2, three pending requests approved in arrival order.
// First two succeed, the third fails with capacity exceeded and stays
// pending.
func TestApproveBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 2, model.SessionScheduled)

	var ids []string
	for i := 1; i <= 3; i++ {
		e, err := w.Request(ctx, studentN(i), "sess-1", "")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	for i := 0; i < 2; i++ {
		if _, err := w.Approve(ctx, admin, ids[i], ""); err != nil {
			t.Fatalf("approve %d: %v", i+1, err)
		}
	}
	if _, err := w.Approve(ctx, admin, ids[2], ""); !errors.Is(err, repository.ErrCapacityExceeded) {
		t.Fatalf("third approve = %v, want ErrCapacityExceeded", err)
	}

	// The failed approval rolled back: the enrollment is pending again and
	// the counter never exceeded capacity.
	third, err := store.FindByID(ctx, ids[2])
	if err != nil {
		t.Fatalf("find third: %v", err)
	}
	if third.Status != model.EnrollmentPending {
		t.Errorf("third status = %s, want pending after rollback", third.Status)
	}
	if got := occupied(t, store, "sess-1"); got != 2 {
		t.Errorf("occupied = %d, want 2", got)
	}
}

// Among N concurrent approvals of a session with K free seats, exactly K
// succeed and the rest observe ErrCapacityExceeded; occupied never exceeds
// capacity.
func TestConcurrentApprovals(t *testing.T) {
	const students, capacity = 20, 5

	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", capacity, model.SessionScheduled)

	ids := make([]string, students)
	for i := range ids {
		e, err := w.Request(ctx, studentN(i), "sess-1", "")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		ids[i] = e.ID
	}

	errs := make([]error, students)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.Approve(ctx, admin, ids[i], "")
		}(i)
	}
	wg.Wait()

	approvedCount, fullCount := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			approvedCount++
		case errors.Is(err, repository.ErrCapacityExceeded):
			fullCount++
		default:
			t.Errorf("approve %d: unexpected error %v", i, err)
		}
	}
	if approvedCount != capacity {
		t.Errorf("approved = %d, want %d", approvedCount, capacity)
	}
	if fullCount != students-capacity {
		t.Errorf("capacity failures = %d, want %d", fullCount, students-capacity)
	}
	if got := occupied(t, store, "sess-1"); got != capacity {
		t.Errorf("occupied = %d, want %d", got, capacity)
	}
}

// A second approve of the same enrollment fails with a stale-state error
// and must not reserve a second seat.
func TestDoubleApproveIsSafe(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	if _, err := w.Approve(ctx, admin, e.ID, ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := w.Approve(ctx, admin, e.ID, ""); !errors.Is(err, repository.ErrStaleState) {
		t.Errorf("second approve = %v, want ErrStaleState", err)
	}
	if got := occupied(t, store, "sess-1"); got != 1 {
		t.Errorf("occupied = %d, want 1 (no double reservation)", got)
	}
}

// Scenario D: rejection stores the reason and leaves capacity untouched.
func TestReject(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	rejected, err := w.Reject(ctx, admin, e.ID, "prerequisite not met")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.EnrollmentRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "prerequisite not met" {
		t.Errorf("rejection reason = %v, want stored", rejected.RejectionReason)
	}
	if got := occupied(t, store, "sess-1"); got != 0 {
		t.Errorf("occupied = %d, want 0", got)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	if _, err := w.Reject(ctx, admin, e.ID, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("reject without reason = %v, want ErrValidation", err)
	}
}

// Scenario E + round-trip: request, approve, withdraw leaves occupied at
// its pre-request value.
func TestWithdrawApprovedReleasesSeat(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")
	if _, err := w.Approve(ctx, admin, e.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := occupied(t, store, "sess-1"); got != 1 {
		t.Fatalf("occupied = %d, want 1", got)
	}

	cancelled, err := w.Withdraw(ctx, student, e.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if cancelled.Status != model.EnrollmentCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := occupied(t, store, "sess-1"); got != 0 {
		t.Errorf("occupied = %d, want 0 after withdrawal", got)
	}
}

func TestWithdrawPendingHasNoCapacityEffect(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	cancelled, err := w.Withdraw(ctx, student, e.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if cancelled.Status != model.EnrollmentCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := occupied(t, store, "sess-1"); got != 0 {
		t.Errorf("occupied = %d, want 0", got)
	}
}

func TestWithdrawAuthorization(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")

	stranger := auth.Caller{UserID: "stu-99", Role: auth.RoleStudent}
	if _, err := w.Withdraw(ctx, stranger, e.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger withdraw = %v, want ErrForbidden", err)
	}
	// Admins may withdraw on a student's behalf.
	if _, err := w.Withdraw(ctx, admin, e.ID); err != nil {
		t.Errorf("admin withdraw = %v, want nil", err)
	}
}

func TestWithdrawTerminalFails(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")
	if _, err := w.Reject(ctx, admin, e.ID, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := w.Withdraw(ctx, student, e.ID); !errors.Is(err, repository.ErrStaleState) {
		t.Errorf("withdraw rejected enrollment = %v, want ErrStaleState", err)
	}
}

func TestStartAndComplete(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")
	if _, err := w.Approve(ctx, admin, e.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	started, err := w.Start(ctx, admin, e.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != model.EnrollmentInProgress {
		t.Errorf("status = %s, want in_progress", started.Status)
	}

	completed, err := w.Complete(ctx, admin, e.ID, 91.5)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != model.EnrollmentCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}
	if completed.FinalGrade == nil || *completed.FinalGrade != 91.5 {
		t.Errorf("final grade = %v, want 91.5", completed.FinalGrade)
	}
	// Completion does not free the seat.
	if got := occupied(t, store, "sess-1"); got != 1 {
		t.Errorf("occupied = %d, want 1", got)
	}
}

func TestCompleteValidatesGrade(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")
	if _, err := w.Approve(ctx, admin, e.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := w.Start(ctx, admin, e.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := w.Complete(ctx, admin, e.ID, 120); !errors.Is(err, ErrValidation) {
		t.Errorf("complete with grade 120 = %v, want ErrValidation", err)
	}
}

func TestCompleteSkippingStartFails(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 3, model.SessionScheduled)
	e, _ := w.Request(ctx, student, "sess-1", "")
	if _, err := w.Approve(ctx, admin, e.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := w.Complete(ctx, admin, e.ID, 80); !errors.Is(err, repository.ErrStaleState) {
		t.Errorf("complete approved enrollment = %v, want ErrStaleState", err)
	}
}

func TestPendingForSession(t *testing.T) {
	ctx := context.Background()
	w, store := newWorkflow(t)
	seedSession(t, store, "sess-1", 5, model.SessionScheduled)

	for i := 1; i <= 3; i++ {
		if _, err := w.Request(ctx, studentN(i), "sess-1", ""); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if _, err := w.PendingForSession(ctx, student, "sess-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("student listing = %v, want ErrForbidden", err)
	}
	pending, err := w.PendingForSession(ctx, admin, "sess-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
	if _, err := w.PendingForSession(ctx, admin, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing session = %v, want ErrNotFound", err)
	}
}
