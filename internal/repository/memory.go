package repository

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/joonseo-kim/lms-enrollment/internal/model"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the Postgres semantics exactly: conditional transitions, the
// active-pair uniqueness constraint, and the clamped seat counter. A single
// mutex serializes transactions; InTx stages changes on a snapshot and
// publishes them only when fn succeeds, so a failed approval rolls back the
// status flip just like a database transaction would.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func (m *Memory) InTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findByID(id)
}

func (m *Memory) FindActive(ctx context.Context, studentID, sessionID string) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findActive(studentID, sessionID)
}

func (m *Memory) Create(ctx context.Context, e *model.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.create(e)
}

func (m *Memory) Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, f TransitionFields) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.transition(id, from, to, f)
}

func (m *Memory) FindPendingForSession(ctx context.Context, sessionID string) ([]model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findPendingForSession(sessionID)
}

func (m *Memory) FindByStudent(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findByStudent(studentID)
}

func (m *Memory) ReserveSeat(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.reserveSeat(sessionID)
}

func (m *Memory) ReleaseSeat(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.releaseSeat(sessionID)
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (*model.CourseSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getSession(sessionID)
}

func (m *Memory) CreateSession(ctx context.Context, s *model.CourseSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createSession(s)
}

// memTx is a transaction-scoped view over a staged snapshot. The parent
// holds the store mutex for the whole transaction, so no locking here.
type memTx struct {
	state *memState
}

func (t *memTx) InTx(ctx context.Context, fn func(Store) error) error { return fn(t) }

func (t *memTx) FindByID(ctx context.Context, id string) (*model.Enrollment, error) {
	return t.state.findByID(id)
}

func (t *memTx) FindActive(ctx context.Context, studentID, sessionID string) (*model.Enrollment, error) {
	return t.state.findActive(studentID, sessionID)
}

func (t *memTx) Create(ctx context.Context, e *model.Enrollment) error {
	return t.state.create(e)
}

func (t *memTx) Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, f TransitionFields) (*model.Enrollment, error) {
	return t.state.transition(id, from, to, f)
}

func (t *memTx) FindPendingForSession(ctx context.Context, sessionID string) ([]model.Enrollment, error) {
	return t.state.findPendingForSession(sessionID)
}

func (t *memTx) FindByStudent(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	return t.state.findByStudent(studentID)
}

func (t *memTx) ReserveSeat(ctx context.Context, sessionID string) error {
	return t.state.reserveSeat(sessionID)
}

func (t *memTx) ReleaseSeat(ctx context.Context, sessionID string) error {
	return t.state.releaseSeat(sessionID)
}

func (t *memTx) GetSession(ctx context.Context, sessionID string) (*model.CourseSession, error) {
	return t.state.getSession(sessionID)
}

func (t *memTx) CreateSession(ctx context.Context, s *model.CourseSession) error {
	return t.state.createSession(s)
}

// memState holds the actual records. All methods assume the caller holds
// the store mutex.
type memState struct {
	enrollments map[string]*model.Enrollment
	sessions    map[string]*model.CourseSession
}

func newMemState() *memState {
	return &memState{
		enrollments: make(map[string]*model.Enrollment),
		sessions:    make(map[string]*model.CourseSession),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, e := range s.enrollments {
		copied := *e
		c.enrollments[id] = &copied
	}
	for id, sess := range s.sessions {
		copied := *sess
		c.sessions[id] = &copied
	}
	return c
}

func (s *memState) findByID(id string) (*model.Enrollment, error) {
	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *memState) findActive(studentID, sessionID string) (*model.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.SessionID == sessionID && e.Status.IsActive() {
			copied := *e
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) create(e *model.Enrollment) error {
	// Same guarantee as the partial unique index in Postgres.
	if _, err := s.findActive(e.StudentID, e.SessionID); err == nil {
		return ErrDuplicateEnrollment
	}
	copied := *e
	s.enrollments[e.ID] = &copied
	return nil
}

func (s *memState) transition(id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, f TransitionFields) (*model.Enrollment, error) {
	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	matched := false
	for _, st := range from {
		if e.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrStaleState
	}
	e.Status = to
	if f.ApprovedAt != nil {
		e.ApprovedAt = f.ApprovedAt
	}
	if f.ApprovedBy != nil {
		e.ApprovedBy = f.ApprovedBy
	}
	if f.RejectedAt != nil {
		e.RejectedAt = f.RejectedAt
	}
	if f.RejectedBy != nil {
		e.RejectedBy = f.RejectedBy
	}
	if f.RejectionReason != nil {
		e.RejectionReason = f.RejectionReason
	}
	if f.CompletedAt != nil {
		e.CompletedAt = f.CompletedAt
	}
	if f.FinalGrade != nil {
		e.FinalGrade = f.FinalGrade
	}
	if f.Notes != nil {
		e.Notes = f.Notes
	}
	e.UpdatedAt = time.Now().UTC()
	copied := *e
	return &copied, nil
}

func (s *memState) findPendingForSession(sessionID string) ([]model.Enrollment, error) {
	var out []model.Enrollment
	for _, e := range s.enrollments {
		if e.SessionID == sessionID && e.Status == model.EnrollmentPending {
			out = append(out, *e)
		}
	}
	sortByAppliedAt(out, true)
	return out, nil
}

func (s *memState) findByStudent(studentID string) ([]model.Enrollment, error) {
	var out []model.Enrollment
	for _, e := range s.enrollments {
		if e.StudentID == studentID {
			out = append(out, *e)
		}
	}
	sortByAppliedAt(out, false)
	return out, nil
}

func (s *memState) reserveSeat(sessionID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Occupied >= sess.Capacity {
		return ErrCapacityExceeded
	}
	sess.Occupied++
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memState) releaseSeat(sessionID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Occupied == 0 {
		log.Printf("invariant violation: release seat on session %s with occupied already 0", sessionID)
		return nil
	}
	sess.Occupied--
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memState) getSession(sessionID string) (*model.CourseSession, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *memState) createSession(sess *model.CourseSession) error {
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func sortByAppliedAt(list []model.Enrollment, ascending bool) {
	sort.Slice(list, func(i, j int) bool {
		if ascending {
			return list[i].AppliedAt.Before(list[j].AppliedAt)
		}
		return list[j].AppliedAt.Before(list[i].AppliedAt)
	})
}
