// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/dosing"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// maxBodyBytes bounds request bodies, sync batches included
const maxBodyBytes = 1 << 20

// base carries what every handler needs
type base struct {
	service *dosing.Service
	checker *access.Checker
	logger  *zap.Logger
}

func newBase(service *dosing.Service, checker *access.Checker, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checker == nil {
		checker = access.NewChecker(nil, logger)
	}
	return base{service: service, checker: checker, logger: logger}
}

// authorize writes a 401/403 and returns false when the request's actor may
// not perform action on the patient's data.
func (b *base) authorize(w http.ResponseWriter, r *http.Request, patientID string, action access.Action) bool {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		b.jsonError(w, "missing actor", http.StatusUnauthorized)
		return false
	}
	d, err := b.checker.Check(r.Context(), actor, patientID, action)
	if err != nil {
		b.fail(w, r, err)
		return false
	}
	if !d.Allowed {
		b.jsonError(w, "forbidden: "+string(d.Reason), http.StatusForbidden)
		return false
	}
	return true
}

// loadDose fetches a dose and checks action against its patient
func (b *base) loadDose(w http.ResponseWriter, r *http.Request, id string, action access.Action) (*dose.Event, bool) {
	e, err := b.service.GetDose(r.Context(), id)
	if err != nil {
		b.fail(w, r, err)
		return nil, false
	}
	if !b.authorize(w, r, e.PatientID, action) {
		return nil, false
	}
	return e, true
}

func (b *base) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		b.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrInvalidInput),
		errors.Is(err, dose.ErrInvalidInput),
		errors.Is(err, adherence.ErrInvalidWindow),
		errors.Is(err, schedule.ErrNoMedication):
		return http.StatusBadRequest
	case errors.Is(err, medication.ErrNotFound), errors.Is(err, dose.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dose.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (b *base) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		b.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		b.jsonError(w, "internal server error", code)
		return
	}
	b.jsonError(w, err.Error(), code)
}

func (b *base) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
