package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	base
	stats *adherence.Aggregator
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(service *dosing.Service, stats *adherence.Aggregator, checker *access.Checker, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{base: newBase(service, checker, logger), stats: stats}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/medications", h.AddMedication)
	r.Get("/{id}/adherence", h.Adherence)
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	PatientID   string                   `json:"patientId"`
	DoctorID    string                   `json:"doctorId,omitempty"`
	Name        string                   `json:"name"`
	Medications []*medication.Medication `json:"medications"`
}

// CreateResponse is the response for creating a prescription
type CreateResponse struct {
	Prescription *medication.Prescription `json:"prescription"`
	Medications  []*medication.Medication `json:"medications"`
	Generated    []dosing.GenerateResult  `json:"generated"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()
	r = r.WithContext(ctx)

	var req CreateRequest
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

	p := &medication.Prescription{PatientID: req.PatientID, DoctorID: req.DoctorID, Name: req.Name}
	if actor, ok := middleware.GetActor(ctx); ok && actor.Role == access.RoleDoctor && p.DoctorID == "" {
		p.DoctorID = actor.ID
	}

	results, err := h.service.CreatePrescription(ctx, p, req.Medications)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	h.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("patient_id", p.PatientID),
		zap.Int("medications", len(req.Medications)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, CreateResponse{Prescription: p, Medications: req.Medications, Generated: results})
}

func (h *PrescriptionHandler) load(w http.ResponseWriter, r *http.Request, action access.Action) (*medication.Prescription, bool) {
	p, err := h.service.GetPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !h.authorize(w, r, p.PatientID, action) {
		return nil, false
	}
	return p, true
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r, access.ActionViewDoses)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	removed, err := h.service.RemovePrescription(r.Context(), p.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": p.ID, "removedDoses": removed})
}

// AddMedicationResponse is the response for adding a medication
type AddMedicationResponse struct {
	Medication *medication.Medication `json:"medication"`
	Generated  *dosing.GenerateResult `json:"generated"`
}

// AddMedication handles POST /prescriptions/{id}/medications
func (h *PrescriptionHandler) AddMedication(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r, access.ActionManageMedication)
	if !ok {
		return
	}
	var m medication.Medication
	if !h.decode(w, r, &m) {
		return
	}
	res, err := h.service.AddMedication(r.Context(), p.ID, &m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddMedicationResponse{Medication: &m, Generated: res})
}

// Adherence handles GET /prescriptions/{id}/adherence
func (h *PrescriptionHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r, access.ActionViewAdherence)
	if !ok {
		return
	}
	stats, err := h.stats.ForPrescription(r.Context(), p.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
