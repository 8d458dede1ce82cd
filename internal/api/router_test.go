package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/dosing"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/schedule"
)

var now = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	conns   *memory.ConnectionRepo
	doses   *memory.DoseRepo
}

func newTestServer(t *testing.T, apiKeys map[string]string) *testServer {
	t.Helper()
	doses := memory.NewDoseRepo()
	meds := memory.NewMedicationRepo()
	conns := memory.NewConnectionRepo()

	resolver := schedule.NewResolver(memory.NewPreferenceRepo(), time.UTC, nil)
	stats := adherence.NewAggregator(doses, adherence.NewLRUCache(adherence.DefaultCacheConfig()), time.UTC, nil, nil)
	stats.SetClock(func() time.Time { return now })

	svc := dosing.NewService(dosing.DefaultConfig(), doses, meds, schedule.NewGenerator(resolver, nil), stats, nil, nil)
	svc.SetClock(func() time.Time { return now })

	h := NewRouter(Deps{
		Service: svc,
		Stats:   stats,
		Checker: access.NewChecker(conns, nil),
		APIKeys: apiKeys,
	})
	return &testServer{handler: h, conns: conns, doses: doses}
}

type caller struct {
	id   string
	role access.Role
}

var (
	patient   = caller{"patient-1", access.RolePatient}
	stranger  = caller{"patient-2", access.RolePatient}
	caregiver = caller{"carer-1", access.RoleCaregiver}
)

func (s *testServer) do(t *testing.T, c caller, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.id != "" {
		req.Header.Set("X-Actor-ID", c.id)
		req.Header.Set("X-Actor-Role", string(c.role))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

// prescribeNight creates a three-day night-only medication and returns the first dose id
func (s *testServer) prescribeNight(t *testing.T) string {
	t.Helper()
	rec := s.do(t, patient, http.MethodPost, "/api/v1/prescriptions", map[string]interface{}{
		"patientId": patient.id,
		"name":      "evening",
		"medications": []map[string]interface{}{{
			"name":         "Metformin",
			"night":        map[string]interface{}{"amount": "500mg"},
			"durationDays": 3,
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create prescription: status %d body %s", rec.Code, rec.Body.String())
	}
	var created handlers.CreateResponse
	decodeBody(t, rec, &created)
	if len(created.Generated) != 1 || created.Generated[0].Created != 3 {
		t.Fatalf("generated = %+v, want 3 events", created.Generated)
	}

	events, _ := s.doses.List(context.Background(), dose.Filter{PatientID: patient.id})
	if len(events) != 3 {
		t.Fatalf("stored %d events, want 3", len(events))
	}
	return events[0].ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, caller{}, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	rec = s.do(t, caller{}, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}
}

func TestReadyFailsWhenAnyCheckFails(t *testing.T) {
	calls := 0
	ok := func(ctx context.Context) error { calls++; return nil }
	down := func(ctx context.Context) error { return errors.New("broker unreachable") }

	for _, tt := range []struct {
		name  string
		ready func(ctx context.Context) error
		want  int
	}{
		{"all pass", ReadyChecks(ok, nil, ok), http.StatusOK},
		{"broker down", ReadyChecks(ok, down), http.StatusServiceUnavailable},
	} {
		rec := httptest.NewRecorder()
		NewRouter(Deps{Ready: tt.ready}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if calls != 3 {
		t.Errorf("passing checks ran %d times, want 3", calls)
	}
}

func TestActorHeadersRequired(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, caller{}, http.MethodGet, "/api/v1/patients/patient-1/doses", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no actor: status %d, want 401", rec.Code)
	}
	if rec := s.do(t, caller{"job", access.RoleSystem}, http.MethodGet, "/api/v1/patients/patient-1/doses", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("system actor over HTTP: status %d, want 401", rec.Code)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	s := newTestServer(t, map[string]string{"k1": "mobile"})
	rec := s.do(t, patient, http.MethodGet, "/api/v1/patients/patient-1/doses", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/patient-1/doses?date=2025-03-10", nil)
	req.Header.Set("X-API-Key", "k1")
	req.Header.Set("X-Actor-ID", patient.id)
	req.Header.Set("X-Actor-Role", "patient")
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("valid key: status %d body %s", out.Code, out.Body.String())
	}
}

func TestTakeDoseLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	doseID := s.prescribeNight(t)

	rec := s.do(t, patient, http.MethodPost, "/api/v1/doses/"+doseID+"/taken", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("taken: status %d body %s", rec.Code, rec.Body.String())
	}
	var e dose.Event
	decodeBody(t, rec, &e)
	if e.Status != dose.StatusTakenOnTime {
		t.Errorf("status = %s, want TAKEN_ON_TIME", e.Status)
	}

	rec = s.do(t, patient, http.MethodPost, "/api/v1/doses/"+doseID+"/skip", map[string]string{"reason": "felt sick"})
	if rec.Code != http.StatusConflict {
		t.Errorf("skip after taken: status %d, want 409", rec.Code)
	}

	rec = s.do(t, patient, http.MethodGet, "/api/v1/patients/patient-1/adherence/today", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("adherence: status %d", rec.Code)
	}
	var stats adherence.Stats
	decodeBody(t, rec, &stats)
	if stats.Taken != 1 {
		t.Errorf("taken today = %d, want 1", stats.Taken)
	}
}

func TestDoseErrors(t *testing.T) {
	s := newTestServer(t, nil)
	doseID := s.prescribeNight(t)

	if rec := s.do(t, patient, http.MethodPost, "/api/v1/doses/missing/taken", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown dose: status %d, want 404", rec.Code)
	}
	if rec := s.do(t, patient, http.MethodPost, "/api/v1/doses/"+doseID+"/skip", map[string]string{"reason": " "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank reason: status %d, want 400", rec.Code)
	}
	if rec := s.do(t, stranger, http.MethodPost, "/api/v1/doses/"+doseID+"/taken", nil); rec.Code != http.StatusForbidden {
		t.Errorf("other patient: status %d, want 403", rec.Code)
	}
	if rec := s.do(t, patient, http.MethodGet, "/api/v1/patients/patient-1/adherence/year", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad window: status %d, want 400", rec.Code)
	}
	if rec := s.do(t, patient, http.MethodGet, "/api/v1/patients/patient-1/adherence/trend?days=365", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("long trend: status %d, want 400", rec.Code)
	}
}

func TestCaregiverPermissionLevels(t *testing.T) {
	s := newTestServer(t, nil)
	doseID := s.prescribeNight(t)
	path := "/api/v1/patients/patient-1/doses?date=2025-03-10"

	if rec := s.do(t, caregiver, http.MethodGet, path, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("no connection: status %d, want 403", rec.Code)
	}

	s.conns.SaveConnection(context.Background(), access.Connection{
		ActorID:   caregiver.id,
		PatientID: patient.id,
		Status:    access.ConnectionAccepted,
		Level:     access.LevelSelected,
	})

	rec := s.do(t, caregiver, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("selected connection view: status %d", rec.Code)
	}
	var day dosing.DaySchedule
	decodeBody(t, rec, &day)
	if len(day.Night) != 1 || day.Date != "2025-03-10" {
		t.Errorf("day schedule = %+v", day)
	}

	if rec := s.do(t, caregiver, http.MethodPost, "/api/v1/doses/"+doseID+"/taken", nil); rec.Code != http.StatusForbidden {
		t.Errorf("selected connection record: status %d, want 403", rec.Code)
	}
	if rec := s.do(t, caregiver, http.MethodDelete, "/api/v1/medications/any", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown medication: status %d, want 404", rec.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	doseID := s.prescribeNight(t)
	takenAt := now.Add(-time.Minute)

	rec := s.do(t, patient, http.MethodPost, "/api/v1/patients/patient-1/doses/sync", map[string]interface{}{
		"actions": []dosing.SyncAction{
			{LocalID: "l1", DoseID: doseID, Kind: dosing.ActionTaken, TakenAt: &takenAt, DeviceTimestamp: takenAt},
			{LocalID: "l2", DoseID: "missing", Kind: dosing.ActionTaken, TakenAt: &takenAt, DeviceTimestamp: takenAt},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: status %d body %s", rec.Code, rec.Body.String())
	}
	var out handlers.SyncResponse
	decodeBody(t, rec, &out)
	if len(out.Results) != 2 {
		t.Fatalf("results = %+v", out.Results)
	}
	if out.Results[0].Outcome != dosing.OutcomeApplied || out.Results[1].Outcome != dosing.OutcomeNotFound {
		t.Errorf("outcomes = %s, %s", out.Results[0].Outcome, out.Results[1].Outcome)
	}
}

func TestMedicationUpdateRegenerates(t *testing.T) {
	s := newTestServer(t, nil)
	s.prescribeNight(t)
	events, _ := s.doses.List(context.Background(), dose.Filter{PatientID: patient.id})
	medID := events[0].MedicationID

	rec := s.do(t, patient, http.MethodPut, "/api/v1/medications/"+medID, map[string]interface{}{
		"name":         "Metformin",
		"morning":      map[string]interface{}{"amount": "500mg"},
		"night":        map[string]interface{}{"amount": "500mg"},
		"durationDays": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	var out handlers.UpdateResponse
	decodeBody(t, rec, &out)
	if !out.Regeneration.Regenerated || out.Regeneration.Created == 0 {
		t.Errorf("regeneration = %+v", out.Regeneration)
	}

	rec = s.do(t, patient, http.MethodDelete, "/api/v1/medications/"+medID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
	if s.doses.Len() != 0 {
		t.Errorf("%d events left after delete", s.doses.Len())
	}
}
