package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// maxSyncActions bounds one offline sync request
const maxSyncActions = 500

// PatientHandler handles patient-scoped schedule, sync and adherence endpoints
type PatientHandler struct {
	base
	stats *adherence.Aggregator
}

// NewPatientHandler creates a new handler
func NewPatientHandler(service *dosing.Service, stats *adherence.Aggregator, checker *access.Checker, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{base: newBase(service, checker, logger), stats: stats}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/doses", h.DaySchedule)
	r.Get("/{id}/doses/next", h.NextDose)
	r.Post("/{id}/doses/sync", h.Sync)
	r.Get("/{id}/adherence", h.Overview)
	r.Get("/{id}/adherence/trend", h.Trend)
	r.Get("/{id}/adherence/{window}", h.Window)
	return r
}

// DaySchedule handles GET /patients/{id}/doses?date=YYYY-MM-DD
func (h *PatientHandler) DaySchedule(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if !h.authorize(w, r, patientID, access.ActionViewDoses) {
		return
	}

	day := time.Now()
	if s := r.URL.Query().Get("date"); s != "" {
		parsed, err := time.ParseInLocation("2006-01-02", s, h.service.Location())
		if err != nil {
			h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	sched, err := h.service.DaySchedule(r.Context(), patientID, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// NextDose handles GET /patients/{id}/doses/next
func (h *PatientHandler) NextDose(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if !h.authorize(w, r, patientID, access.ActionViewDoses) {
		return
	}
	e, err := h.service.NextDue(r.Context(), patientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// SyncRequest is the body of an offline sync upload
type SyncRequest struct {
	Actions []dosing.SyncAction `json:"actions"`
}

// SyncResponse reports one result per action in request order
type SyncResponse struct {
	Results []dosing.SyncResult `json:"results"`
}

// Sync handles POST /patients/{id}/doses/sync
func (h *PatientHandler) Sync(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if !h.authorize(w, r, patientID, access.ActionRecordDose) {
		return
	}
	var req SyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Actions) > maxSyncActions {
		h.jsonError(w, "too many actions in one sync", http.StatusRequestEntityTooLarge)
		return
	}

	results := h.service.Sync(r.Context(), patientID, req.Actions)
	writeJSON(w, http.StatusOK, SyncResponse{Results: results})
}

// Overview handles GET /patients/{id}/adherence
func (h *PatientHandler) Overview(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if !h.authorize(w, r, patientID, access.ActionViewAdherence) {
		return
	}
	ov, err := h.stats.Overview(r.Context(), patientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// Window handles GET /patients/{id}/adherence/{window} for today, week or month
func (h *PatientHandler) Window(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	kind, err := adherence.ParseKind(chi.URLParam(r, "window"))
	if err != nil {
		h.jsonError(w, "window must be today, week or month", http.StatusBadRequest)
		return
	}
	if !h.authorize(w, r, patientID, access.ActionViewAdherence) {
		return
	}
	stats, err := h.stats.Window(r.Context(), patientID, kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Trend handles GET /patients/{id}/adherence/trend?days=N
func (h *PatientHandler) Trend(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	days := adherence.DefaultTrendDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.jsonError(w, "days must be a number", http.StatusBadRequest)
			return
		}
		days = n
	}
	if !h.authorize(w, r, patientID, access.ActionViewAdherence) {
		return
	}
	stats, err := h.stats.Trend(r.Context(), patientID, days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
