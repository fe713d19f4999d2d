// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the workflow engine.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joonseo-kim/lms-enrollment/internal/auth"
	"github.com/joonseo-kim/lms-enrollment/internal/model"
	"github.com/joonseo-kim/lms-enrollment/internal/repository"
	"github.com/joonseo-kim/lms-enrollment/internal/service"
)

// EnrollmentHandler holds all HTTP handlers for the enrollment API.
type EnrollmentHandler struct {
	svc *service.Workflow
}

// NewEnrollmentHandler constructs an EnrollmentHandler.
func NewEnrollmentHandler(svc *service.Workflow) *EnrollmentHandler {
	return &EnrollmentHandler{svc: svc}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps workflow errors to HTTP status codes. Anything not
// in the taxonomy is an infrastructure fault and surfaces as 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrDuplicateEnrollment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrStaleState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func callerOrAbort(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return caller, ok
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// Request handles POST /enrollments
// Creates a pending enrollment for the calling student.
func (h *EnrollmentHandler) Request(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	var req model.EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enrollment, err := h.svc.Request(r.Context(), caller, req.SessionID, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

// Approve handles POST /enrollments/{id}/approve
func (h *EnrollmentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	// The approval body is optional; an empty body means no notes.
	var req model.ApproveRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enrollment, err := h.svc.Approve(r.Context(), caller, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// Reject handles POST /enrollments/{id}/reject
func (h *EnrollmentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	var req model.RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enrollment, err := h.svc.Reject(r.Context(), caller, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// Withdraw handles DELETE /enrollments/{id}
// Cancels a pending or approved enrollment (owner or admin).
func (h *EnrollmentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	enrollment, err := h.svc.Withdraw(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// Start handles POST /enrollments/{id}/start
func (h *EnrollmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	enrollment, err := h.svc.Start(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// Complete handles POST /enrollments/{id}/complete
func (h *EnrollmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	var req model.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enrollment, err := h.svc.Complete(r.Context(), caller, chi.URLParam(r, "id"), req.FinalGrade)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// MyEnrollments handles GET /enrollments/mine
func (h *EnrollmentHandler) MyEnrollments(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	enrollments, err := h.svc.MyEnrollments(r.Context(), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Return an empty array rather than null for better client compatibility.
	if enrollments == nil {
		enrollments = []model.Enrollment{}
	}
	writeJSON(w, http.StatusOK, enrollments)
}

// PendingForSession handles GET /sessions/{id}/enrollments/pending
func (h *EnrollmentHandler) PendingForSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}
	enrollments, err := h.svc.PendingForSession(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if enrollments == nil {
		enrollments = []model.Enrollment{}
	}
	writeJSON(w, http.StatusOK, enrollments)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
