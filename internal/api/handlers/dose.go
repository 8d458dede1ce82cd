package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// DoseHandler handles single dose event endpoints
type DoseHandler struct {
	base
}

// NewDoseHandler creates a new handler
func NewDoseHandler(service *dosing.Service, checker *access.Checker, logger *zap.Logger) *DoseHandler {
	return &DoseHandler{base: newBase(service, checker, logger)}
}

// Routes returns the handler routes
func (h *DoseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Post("/{id}/taken", h.Taken)
	r.Post("/{id}/skip", h.Skip)
	return r
}

// Get handles GET /doses/{id}
func (h *DoseHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadDose(w, r, chi.URLParam(r, "id"), access.ActionViewDoses)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// TakenRequest is the optional body of POST /doses/{id}/taken
type TakenRequest struct {
	TakenAt *time.Time `json:"takenAt,omitempty"`
}

// Taken handles POST /doses/{id}/taken. Without a body the dose is taken now.
func (h *DoseHandler) Taken(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadDose(w, r, chi.URLParam(r, "id"), access.ActionRecordDose)
	if !ok {
		return
	}
	var req TakenRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	stored, err := h.service.MarkTaken(r.Context(), e.ID, req.TakenAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// SkipRequest is the body of POST /doses/{id}/skip
type SkipRequest struct {
	Reason string `json:"reason"`
}

// Skip handles POST /doses/{id}/skip
func (h *DoseHandler) Skip(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadDose(w, r, chi.URLParam(r, "id"), access.ActionRecordDose)
	if !ok {
		return
	}
	var req SkipRequest
	if !h.decode(w, r, &req) {
		return
	}
	stored, err := h.service.Skip(r.Context(), e.ID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
