package dosing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// BatchResult reports a created batch and its generated events
type BatchResult struct {
	Batch       *medication.Batch        `json:"batch"`
	Medications []*medication.Medication `json:"medications"`
	Created     int                      `json:"created"`
}

// CreateBatch stores a batch with its own prescription container and the
// given medications, each moved into the slot the batch time falls in.
func (s *Service) CreateBatch(ctx context.Context, b *medication.Batch, meds []*medication.Medication) (*BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "create_batch",
		trace.WithAttributes(attribute.Int("medications", len(meds))))
	defer span.End()

	b.Name = strings.TrimSpace(b.Name)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if len(meds) == 0 {
		return nil, fmt.Errorf("%w: a batch needs at least one medication", medication.ErrInvalidInput)
	}

	now := s.now().UTC()
	p := &medication.Prescription{
		ID:        s.newID(),
		PatientID: b.PatientID,
		Name:      b.Name,
		CreatedAt: now,
	}
	if b.ID == "" {
		b.ID = s.newID()
	}
	b.PrescriptionID = p.ID
	b.Active = true
	b.CreatedAt, b.UpdatedAt = now, now

	for _, m := range meds {
		s.prepare(m, p, now)
		m.BatchID = b.ID
		if err := moveToSlot(m, b.Slot()); err != nil {
			return nil, err
		}
		m.Frequency = ""
		m.Normalize()
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	events, err := s.generator.ForBatch(ctx, b, meds, now, now)
	if err != nil {
		return nil, err
	}

	if err := s.meds.SavePrescription(ctx, p); err != nil {
		return nil, fmt.Errorf("save prescription: %w", err)
	}
	created, err := s.storeBatch(ctx, b, meds, events)
	if err != nil {
		span.RecordError(err)
		s.discardPrescription(ctx, p.ID)
		return nil, err
	}
	s.metrics.ObserveGenerated(created)
	s.invalidate(ctx, b.PatientID)

	s.logger.Info("batch created",
		zap.String("batch_id", b.ID),
		zap.String("patient_id", b.PatientID),
		zap.String("time", b.ScheduledTime.String()),
		zap.Int("doses", created))

	return &BatchResult{Batch: b, Medications: meds, Created: created}, nil
}

// UpdateBatchTime moves a batch to a new clock time and regenerates the
// future DUE events of all its medications.
func (s *Service) UpdateBatchTime(ctx context.Context, batchID string, at clock.TimeOfDay) (*medication.Batch, *RegenerateResult, error) {
	ctx, span := s.tracer.Start(ctx, "update_batch_time",
		trace.WithAttributes(
			attribute.String("batch_id", batchID),
			attribute.String("time", at.String()),
		))
	defer span.End()

	b, err := s.meds.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	meds, err := s.meds.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("list batch medications: %w", err)
	}

	now := s.now().UTC()
	b.ScheduledTime = at
	b.UpdatedAt = now

	ids := make([]string, 0, len(meds))
	for _, m := range meds {
		if err := moveToSlot(m, b.Slot()); err != nil {
			return nil, nil, err
		}
		m.Frequency = ""
		m.Normalize()
		m.UpdatedAt = now
		ids = append(ids, m.ID)
	}

	events, err := s.generator.ForBatch(ctx, b, meds, now, now)
	if err != nil {
		return nil, nil, err
	}

	// Events first: until the batch is saved a retry still sees the old time
	// and regenerates again.
	removed, created, err := s.doses.ReplaceFutureDue(ctx, ids, now, events)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("regenerate doses: %w", err)
	}
	if err := s.meds.SaveBatch(ctx, b); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("save batch: %w", err)
	}
	for _, m := range meds {
		if err := s.meds.Save(ctx, m); err != nil {
			span.RecordError(err)
			return nil, nil, fmt.Errorf("save medication: %w", err)
		}
	}
	s.metrics.ObserveRegenerated()
	s.metrics.ObserveGenerated(created)
	s.invalidate(ctx, b.PatientID)

	return b, &RegenerateResult{Regenerated: true, Removed: removed, Created: created}, nil
}

// storeBatch saves the batch, its medications and their events
func (s *Service) storeBatch(ctx context.Context, b *medication.Batch, meds []*medication.Medication, events []*dose.Event) (int, error) {
	if err := s.meds.SaveBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("save batch: %w", err)
	}
	for _, m := range meds {
		if err := s.meds.Save(ctx, m); err != nil {
			return 0, fmt.Errorf("save medication: %w", err)
		}
	}
	if len(events) == 0 {
		return 0, nil
	}
	created, err := s.doses.InsertBatch(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("insert doses: %w", err)
	}
	return created, nil
}

// discardPrescription removes a half-created prescription container so a
// retried request does not leave a second batch behind.
func (s *Service) discardPrescription(ctx context.Context, prescriptionID string) {
	if _, err := s.doses.DeleteByPrescription(ctx, prescriptionID); err != nil {
		s.logger.Error("failed to discard doses of incomplete batch",
			zap.String("prescription_id", prescriptionID), zap.Error(err))
	}
	if err := s.meds.DeletePrescription(ctx, prescriptionID); err != nil {
		s.logger.Error("failed to discard incomplete batch",
			zap.String("prescription_id", prescriptionID), zap.Error(err))
	}
}

// DeleteBatch deletes the batch's prescription, which cascades to its
// medications and every dose event.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	b, err := s.meds.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	return s.RemovePrescription(ctx, b.PrescriptionID)
}

// GetBatch returns a stored batch
func (s *Service) GetBatch(ctx context.Context, id string) (*medication.Batch, error) {
	return s.meds.GetBatch(ctx, id)
}

// moveToSlot leaves m with a single dosage in slot p, taken from whichever
// slot currently carries one.
func moveToSlot(m *medication.Medication, p medication.Period) error {
	var picked medication.OptionalDosage
	for _, q := range medication.Periods {
		if d := m.Dosage(q); d.IsSome() {
			picked = d
			break
		}
	}
	if !picked.IsSome() {
		return fmt.Errorf("%w: medication %q has no dosage", medication.ErrInvalidInput, m.Name)
	}
	for _, q := range medication.Periods {
		m.SetDosage(q, medication.None())
	}
	m.SetDosage(p, picked)
	return nil
}
