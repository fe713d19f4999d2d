package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joonseo-kim/lms-enrollment/internal/model"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index over active (student_id, session_id) pairs.
const uniqueViolation = "23505"

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same queries run pooled or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgres constructs a Postgres store over a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

// InTx runs fn inside a database transaction. A nested call on a
// transaction-scoped store joins the open transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const enrollmentColumns = `id, student_id, session_id, status, applied_at,
	approved_at, approved_by, rejected_at, rejected_by, rejection_reason,
	completed_at, final_grade, certificate_issued, notes, created_at, updated_at`

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var e model.Enrollment
	err := row.Scan(
		&e.ID, &e.StudentID, &e.SessionID, &e.Status, &e.AppliedAt,
		&e.ApprovedAt, &e.ApprovedBy, &e.RejectedAt, &e.RejectedBy, &e.RejectionReason,
		&e.CompletedAt, &e.FinalGrade, &e.CertificateIssued, &e.Notes, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindByID returns a single enrollment or ErrNotFound.
func (p *Postgres) FindByID(ctx context.Context, id string) (*model.Enrollment, error) {
	e, err := scanEnrollment(p.db.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// FindActive returns the active enrollment for the pair, or ErrNotFound.
func (p *Postgres) FindActive(ctx context.Context, studentID, sessionID string) (*model.Enrollment, error) {
	e, err := scanEnrollment(p.db.QueryRow(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM enrollments
		 WHERE student_id = $1 AND session_id = $2 AND status = ANY($3)`,
		studentID, sessionID, statusStrings(model.ActiveStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return e, nil
}

// Create inserts a new enrollment. The partial unique index over active
// pairs makes the duplicate check race-safe: two concurrent requests for
// the same pair cannot both insert.
func (p *Postgres) Create(ctx context.Context, e *model.Enrollment) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO enrollments
		   (id, student_id, session_id, status, applied_at, notes,
		    certificate_issued, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.StudentID, e.SessionID, e.Status, e.AppliedAt, e.Notes,
		e.CertificateIssued, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// Transition conditionally updates the status: the row changes only if its
// current status is one of from. This single statement is the
// compare-and-swap that makes concurrent duplicate transitions fail
// deterministically instead of double-applying.
func (p *Postgres) Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, f TransitionFields) (*model.Enrollment, error) {
	e, err := scanEnrollment(p.db.QueryRow(ctx,
		`UPDATE enrollments SET
		   status           = $2,
		   approved_at      = COALESCE($3, approved_at),
		   approved_by      = COALESCE($4, approved_by),
		   rejected_at      = COALESCE($5, rejected_at),
		   rejected_by      = COALESCE($6, rejected_by),
		   rejection_reason = COALESCE($7, rejection_reason),
		   completed_at     = COALESCE($8, completed_at),
		   final_grade      = COALESCE($9, final_grade),
		   notes            = COALESCE($10, notes),
		   updated_at       = $11
		 WHERE id = $1 AND status = ANY($12)
		 RETURNING `+enrollmentColumns,
		id, to,
		f.ApprovedAt, f.ApprovedBy, f.RejectedAt, f.RejectedBy, f.RejectionReason,
		f.CompletedAt, f.FinalGrade, f.Notes,
		time.Now().UTC(), statusStrings(from),
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition enrollment: %w", err)
	}

	// Zero rows: distinguish a missing row from a failed precondition.
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check enrollment exists: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStaleState
}

// FindPendingForSession lists pending enrollments oldest first, the order
// admins review them in.
func (p *Postgres) FindPendingForSession(ctx context.Context, sessionID string) ([]model.Enrollment, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM enrollments
		 WHERE session_id = $1 AND status = $2
		 ORDER BY applied_at ASC`,
		sessionID, model.EnrollmentPending)
	if err != nil {
		return nil, fmt.Errorf("list pending enrollments: %w", err)
	}
	return collectEnrollments(rows)
}

// FindByStudent lists a student's enrollments newest first.
func (p *Postgres) FindByStudent(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM enrollments
		 WHERE student_id = $1
		 ORDER BY applied_at DESC`,
		studentID)
	if err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return collectEnrollments(rows)
}

func collectEnrollments(rows pgx.Rows) ([]model.Enrollment, error) {
	defer rows.Close()
	var out []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ReserveSeat increments the occupied count with a single conditional
// update. Concurrent reservations against the last seat serialize on the
// row: exactly one statement matches, the rest see zero rows and fail with
// ErrCapacityExceeded. No read-then-write, so no lost update.
func (p *Postgres) ReserveSeat(ctx context.Context, sessionID string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE course_sessions
		 SET occupied = occupied + 1, updated_at = $2
		 WHERE id = $1 AND occupied < capacity`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reserve seat: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM course_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrCapacityExceeded
}

// ReleaseSeat decrements the occupied count, clamped at zero. A zero-row
// update on an existing session means the counter was already zero; that is
// an accounting invariant violation, logged but not fatal.
func (p *Postgres) ReleaseSeat(ctx context.Context, sessionID string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE course_sessions
		 SET occupied = occupied - 1, updated_at = $2
		 WHERE id = $1 AND occupied > 0`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM course_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	log.Printf("invariant violation: release seat on session %s with occupied already 0", sessionID)
	return nil
}

// GetSession returns a session or ErrNotFound.
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*model.CourseSession, error) {
	var s model.CourseSession
	err := p.db.QueryRow(ctx,
		`SELECT id, course_id, capacity, occupied, lifecycle_status, created_at, updated_at
		 FROM course_sessions WHERE id = $1`,
		sessionID,
	).Scan(&s.ID, &s.CourseID, &s.Capacity, &s.Occupied, &s.LifecycleStatus, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// CreateSession inserts a session row. Used by seeding and tests; session
// lifecycle is otherwise owned by the course catalog.
func (p *Postgres) CreateSession(ctx context.Context, s *model.CourseSession) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO course_sessions
		   (id, course_id, capacity, occupied, lifecycle_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.CourseID, s.Capacity, s.Occupied, s.LifecycleStatus, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func statusStrings(statuses []model.EnrollmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
