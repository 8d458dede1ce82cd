package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// BatchHandler handles medication batch endpoints
type BatchHandler struct {
	base
}

// NewBatchHandler creates a new handler
func NewBatchHandler(service *dosing.Service, checker *access.Checker, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{base: newBase(service, checker, logger)}
}

// Routes returns the handler routes
func (h *BatchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/time", h.UpdateTime)
	r.Delete("/{id}", h.Delete)
	return r
}

// CreateBatchRequest is the request body for creating a batch
type CreateBatchRequest struct {
	PatientID     string                   `json:"patientId"`
	Name          string                   `json:"name"`
	ScheduledTime clock.TimeOfDay          `json:"scheduledTime"`
	Medications   []*medication.Medication `json:"medications"`
}

// Create handles POST /batches
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PatientID == "" {
		h.jsonError(w, "patientId is required", http.StatusBadRequest)
		return
	}
	if !h.authorize(w, r, req.PatientID, access.ActionManageMedication) {
		return
	}

	b := &medication.Batch{PatientID: req.PatientID, Name: req.Name, ScheduledTime: req.ScheduledTime}
	res, err := h.service.CreateBatch(r.Context(), b, req.Medications)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *BatchHandler) load(w http.ResponseWriter, r *http.Request, action access.Action) (*medication.Batch, bool) {
	b, err := h.service.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !h.authorize(w, r, b.PatientID, action) {
		return nil, false
	}
	return b, true
}

// Get handles GET /batches/{id}
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, ok := h.load(w, r, access.ActionViewDoses)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// UpdateTimeRequest is the request body for moving a batch
type UpdateTimeRequest struct {
	ScheduledTime string `json:"scheduledTime"`
}

// UpdateTime handles PUT /batches/{id}/time
func (h *BatchHandler) UpdateTime(w http.ResponseWriter, r *http.Request) {
	b, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	var req UpdateTimeRequest
	if !h.decode(w, r, &req) {
		return
	}
	at, err := clock.Parse(req.ScheduledTime)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, res, err := h.service.UpdateBatchTime(r.Context(), b.ID, at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batch": updated, "regeneration": res})
}

// Delete handles DELETE /batches/{id}
func (h *BatchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	b, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	removed, err := h.service.DeleteBatch(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": b.ID, "removedDoses": removed})
}
