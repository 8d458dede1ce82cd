// Package dosing coordinates generation, regeneration and the dose lifecycle
// on top of the dose and medication repositories.
package dosing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/schedule"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Invalidator evicts cached adherence for a patient
type Invalidator interface {
	Invalidate(ctx context.Context, patientID string)
}

// Config holds service settings
type Config struct {
	// SyncMaxLateness rejects offline actions recorded this long after the
	// scheduled time. Zero disables the check.
	SyncMaxLateness time.Duration
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{SyncMaxLateness: 24 * time.Hour}
}

// Service is the entry point for every dose-changing operation
type Service struct {
	doses     dose.Repository
	meds      medication.Repository
	generator *schedule.Generator
	resolver  *schedule.Resolver
	cache     Invalidator
	inbox     idempotency.Processor
	metrics   *metrics.Metrics
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// NewService creates a new service. cache and m may be nil.
func NewService(cfg Config, doses dose.Repository, meds medication.Repository, generator *schedule.Generator, cache Invalidator, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if generator == nil {
		generator = schedule.NewGenerator(nil, logger)
	}
	return &Service{
		doses:     doses,
		meds:      meds,
		generator: generator,
		resolver:  generator.Resolver(),
		cache:     cache,
		metrics:   m,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("dosing"),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetInbox enables idempotent offline sync
func (s *Service) SetInbox(p idempotency.Processor) {
	s.inbox = p
}

// GenerateResult reports what a generation pass stored for one medication
type GenerateResult struct {
	MedicationID string `json:"medicationId"`
	Created      int    `json:"created"`
	// Existing counts generated slots that were already stored
	Existing int    `json:"existing"`
	Error    string `json:"error,omitempty"`
}

// RegenerateResult reports a regeneration pass
type RegenerateResult struct {
	Regenerated bool `json:"regenerated"`
	Removed     int  `json:"removed"`
	Created     int  `json:"created"`
}

// CreatePrescription stores a prescription with its medications and generates
// their dose events. Generation is reported per medication; one failing
// medication does not undo the others.
func (s *Service) CreatePrescription(ctx context.Context, p *medication.Prescription, meds []*medication.Medication) ([]GenerateResult, error) {
	ctx, span := s.tracer.Start(ctx, "create_prescription",
		trace.WithAttributes(attribute.Int("medications", len(meds))))
	defer span.End()

	if p.PatientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", medication.ErrInvalidInput)
	}
	now := s.now().UTC()
	if p.ID == "" {
		p.ID = s.newID()
	}
	p.CreatedAt = now

	for _, m := range meds {
		s.prepare(m, p, now)
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	if err := s.meds.SavePrescription(ctx, p); err != nil {
		return nil, fmt.Errorf("save prescription: %w", err)
	}

	results := make([]GenerateResult, 0, len(meds))
	for _, m := range meds {
		if err := s.meds.Save(ctx, m); err != nil {
			results = append(results, GenerateResult{MedicationID: m.ID, Error: err.Error()})
			continue
		}
		res, err := s.generate(ctx, m)
		if err != nil {
			s.logger.Error("dose generation failed",
				zap.String("medication_id", m.ID),
				zap.Error(err))
			res = &GenerateResult{MedicationID: m.ID, Error: err.Error()}
		}
		results = append(results, *res)
	}

	s.invalidate(ctx, p.PatientID)
	return results, nil
}

// AddMedication stores a new medication under an existing prescription and
// generates its dose events.
func (s *Service) AddMedication(ctx context.Context, prescriptionID string, m *medication.Medication) (*GenerateResult, error) {
	ctx, span := s.tracer.Start(ctx, "add_medication",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	p, err := s.meds.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	s.prepare(m, p, s.now().UTC())
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := s.meds.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save medication: %w", err)
	}

	res, err := s.generate(ctx, m)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, m.PatientID)
	return res, nil
}

// GenerateForMedication generates any missing events of a stored medication.
// Running it twice stores nothing new the second time.
func (s *Service) GenerateForMedication(ctx context.Context, medicationID string) (*GenerateResult, error) {
	ctx, span := s.tracer.Start(ctx, "generate_for_medication",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer span.End()

	m, err := s.meds.Get(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	res, err := s.generate(ctx, m)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.Created > 0 {
		s.invalidate(ctx, m.PatientID)
	}
	return res, nil
}

// UpdateMedication replaces the dosing spec of a stored medication. Future
// DUE events are regenerated only when a schedule-relevant field changed.
func (s *Service) UpdateMedication(ctx context.Context, m *medication.Medication) (*medication.Medication, *RegenerateResult, error) {
	ctx, span := s.tracer.Start(ctx, "update_medication",
		trace.WithAttributes(attribute.String("medication_id", m.ID)))
	defer span.End()

	existing, err := s.meds.Get(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}

	m.PrescriptionID = existing.PrescriptionID
	m.PatientID = existing.PatientID
	m.BatchID = existing.BatchID
	m.CreatedAt = existing.CreatedAt
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	now := s.now().UTC()
	m.UpdatedAt = now

	result := &RegenerateResult{}
	if !existing.ScheduleChanged(m) {
		if err := s.meds.Save(ctx, m); err != nil {
			return nil, nil, fmt.Errorf("save medication: %w", err)
		}
		return m, result, nil
	}

	// Events are replaced before the medication is saved. A failed save leaves
	// the old medication stored, so retrying the same edit regenerates again.
	events, err := s.eventsFor(ctx, m, now)
	if err != nil {
		return nil, nil, err
	}
	removed, created, err := s.doses.ReplaceFutureDue(ctx, []string{m.ID}, now, events)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("regenerate doses: %w", err)
	}
	if err := s.meds.Save(ctx, m); err != nil {
		span.RecordError(err)
		s.restoreFutureDue(ctx, existing, now)
		return nil, nil, fmt.Errorf("save medication: %w", err)
	}
	result.Regenerated, result.Removed, result.Created = true, removed, created
	s.metrics.ObserveRegenerated()
	s.metrics.ObserveGenerated(created)

	s.logger.Info("medication doses regenerated",
		zap.String("medication_id", m.ID),
		zap.Int("removed", removed),
		zap.Int("created", created))

	s.invalidate(ctx, m.PatientID)
	return m, result, nil
}

// eventsFor builds the future events of m from now, anchored at its batch
// time when it belongs to one.
func (s *Service) eventsFor(ctx context.Context, m *medication.Medication, now time.Time) ([]*dose.Event, error) {
	if m.BatchID == "" {
		return s.generator.ForMedication(ctx, m, now, now)
	}
	batch, err := s.meds.GetBatch(ctx, m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	return s.generator.ForBatch(ctx, batch, []*medication.Medication{m}, now, now)
}

// restoreFutureDue puts back the future events of the still-stored previous
// medication after a failed edit. Failures are logged only.
func (s *Service) restoreFutureDue(ctx context.Context, previous *medication.Medication, now time.Time) {
	events, err := s.eventsFor(ctx, previous, now)
	if err == nil {
		_, _, err = s.doses.ReplaceFutureDue(ctx, []string{previous.ID}, now, events)
	}
	if err != nil {
		s.logger.Error("failed to restore doses after failed edit",
			zap.String("medication_id", previous.ID),
			zap.Error(err))
	}
}

// RemoveMedication deletes a medication and every one of its dose events
func (s *Service) RemoveMedication(ctx context.Context, medicationID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "remove_medication",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer span.End()

	m, err := s.meds.Get(ctx, medicationID)
	if err != nil {
		return 0, err
	}
	n, err := s.doses.DeleteByMedication(ctx, medicationID)
	if err != nil {
		return 0, fmt.Errorf("delete doses: %w", err)
	}
	if err := s.meds.Delete(ctx, medicationID); err != nil {
		return n, fmt.Errorf("delete medication: %w", err)
	}
	s.metrics.ObserveRemoved(n)
	s.invalidate(ctx, m.PatientID)
	return n, nil
}

// RemovePrescription deletes a prescription, its medications and batches, and
// every dose event under it.
func (s *Service) RemovePrescription(ctx context.Context, prescriptionID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "remove_prescription",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	p, err := s.meds.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return 0, err
	}
	n, err := s.doses.DeleteByPrescription(ctx, prescriptionID)
	if err != nil {
		return 0, fmt.Errorf("delete doses: %w", err)
	}
	if err := s.meds.DeletePrescription(ctx, prescriptionID); err != nil {
		return n, fmt.Errorf("delete prescription: %w", err)
	}
	s.metrics.ObserveRemoved(n)
	s.invalidate(ctx, p.PatientID)

	s.logger.Info("prescription removed",
		zap.String("prescription_id", prescriptionID),
		zap.Int("doses_removed", n))
	return n, nil
}

// GetMedication returns a stored medication
func (s *Service) GetMedication(ctx context.Context, id string) (*medication.Medication, error) {
	return s.meds.Get(ctx, id)
}

// GetPrescription returns a stored prescription
func (s *Service) GetPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	return s.meds.GetPrescription(ctx, id)
}

// GetDose returns a stored dose event
func (s *Service) GetDose(ctx context.Context, id string) (*dose.Event, error) {
	return s.doses.Get(ctx, id)
}

// MarkTaken records the dose as taken at takenAt, or now when takenAt is nil
func (s *Service) MarkTaken(ctx context.Context, doseID string, takenAt *time.Time) (*dose.Event, error) {
	ctx, span := s.tracer.Start(ctx, "mark_taken",
		trace.WithAttributes(attribute.String("dose_id", doseID)))
	defer span.End()

	e, err := s.doses.Get(ctx, doseID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	at := now
	if takenAt != nil {
		at = takenAt.UTC()
	}
	if at.After(now) {
		return nil, fmt.Errorf("%w: takenAt %s is in the future", dose.ErrInvalidInput, at.Format(time.RFC3339))
	}

	t, err := e.Take(at, now, s.resolver.GracePeriod(ctx, e.PatientID), false)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, t, "online")
}

// Skip records a deliberate skip with a reason
func (s *Service) Skip(ctx context.Context, doseID, reason string) (*dose.Event, error) {
	ctx, span := s.tracer.Start(ctx, "skip_dose",
		trace.WithAttributes(attribute.String("dose_id", doseID)))
	defer span.End()

	e, err := s.doses.Get(ctx, doseID)
	if err != nil {
		return nil, err
	}
	t, err := e.Skip(reason, s.now().UTC(), false)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, t, "online")
}

// NextDue returns the patient's next DUE event at or after now
func (s *Service) NextDue(ctx context.Context, patientID string) (*dose.Event, error) {
	events, err := s.doses.List(ctx, dose.Filter{
		PatientID: patientID,
		From:      s.now(),
		Statuses:  []dose.Status{dose.StatusDue},
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, dose.ErrNotFound
	}
	return events[0], nil
}

func (s *Service) apply(ctx context.Context, e *dose.Event, t dose.Transition, source string) (*dose.Event, error) {
	stored, err := s.doses.ApplyTransition(ctx, e.ID, t)
	if err != nil {
		if errors.Is(err, dose.ErrConflict) {
			s.metrics.ObserveConflict()
		}
		return nil, err
	}

	s.metrics.ObserveTransition(string(stored.Status), source)
	s.invalidate(ctx, stored.PatientID)

	s.logger.Debug("dose transitioned",
		zap.String("dose_id", stored.ID),
		zap.String("patient_id", stored.PatientID),
		zap.String("status", string(stored.Status)),
		zap.String("source", source))
	return stored, nil
}

// prepare fills identity and defaults of a medication joining p
func (s *Service) prepare(m *medication.Medication, p *medication.Prescription, now time.Time) {
	if m.ID == "" {
		m.ID = s.newID()
	}
	m.PrescriptionID = p.ID
	m.PatientID = p.PatientID
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Normalize()
}

// generate expands m from its creation date and stores the missing events
func (s *Service) generate(ctx context.Context, m *medication.Medication) (*GenerateResult, error) {
	now := s.now().UTC()
	start := m.CreatedAt
	if start.IsZero() {
		start = now
	}

	var (
		events []*dose.Event
		err    error
	)
	if m.BatchID != "" {
		batch, berr := s.meds.GetBatch(ctx, m.BatchID)
		if berr != nil {
			return nil, fmt.Errorf("load batch: %w", berr)
		}
		events, err = s.generator.ForBatch(ctx, batch, []*medication.Medication{m}, start, now)
	} else {
		events, err = s.generator.ForMedication(ctx, m, start, now)
	}
	if err != nil {
		return nil, err
	}

	created := 0
	if len(events) > 0 {
		created, err = s.doses.InsertBatch(ctx, events)
		if err != nil {
			return nil, fmt.Errorf("insert doses: %w", err)
		}
	}
	s.metrics.ObserveGenerated(created)
	return &GenerateResult{MedicationID: m.ID, Created: created, Existing: len(events) - created}, nil
}

func (s *Service) invalidate(ctx context.Context, patientID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, patientID)
	}
}
