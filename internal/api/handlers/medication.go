package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// MedicationHandler handles medication endpoints
type MedicationHandler struct {
	base
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(service *dosing.Service, checker *access.Checker, logger *zap.Logger) *MedicationHandler {
	return &MedicationHandler{base: newBase(service, checker, logger)}
}

// Routes returns the handler routes
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/generate", h.Generate)
	return r
}

func (h *MedicationHandler) load(w http.ResponseWriter, r *http.Request, action access.Action) (*medication.Medication, bool) {
	m, err := h.service.GetMedication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !h.authorize(w, r, m.PatientID, action) {
		return nil, false
	}
	return m, true
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.load(w, r, access.ActionViewDoses)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// UpdateResponse is the response for replacing a medication
type UpdateResponse struct {
	Medication   *medication.Medication   `json:"medication"`
	Regeneration *dosing.RegenerateResult `json:"regeneration"`
}

// Update handles PUT /medications/{id}
func (h *MedicationHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	var m medication.Medication
	if !h.decode(w, r, &m) {
		return
	}
	m.ID = existing.ID

	updated, res, err := h.service.UpdateMedication(r.Context(), &m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateResponse{Medication: updated, Regeneration: res})
}

// Delete handles DELETE /medications/{id}
func (h *MedicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	m, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	removed, err := h.service.RemoveMedication(r.Context(), m.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": m.ID, "removedDoses": removed})
}

// Generate handles POST /medications/{id}/generate
func (h *MedicationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	m, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	res, err := h.service.GenerateForMedication(r.Context(), m.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
