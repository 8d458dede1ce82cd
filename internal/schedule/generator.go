package schedule

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

	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// ErrNoMedication is returned when Generate is called without a medication
var ErrNoMedication = errors.New("medication is required")

// Generator expands dosing instructions into dose events
type Generator struct {
	resolver *Resolver
	logger   *zap.Logger
	tracer   trace.Tracer
	newID    func() string
}

// NewGenerator creates a new generator
func NewGenerator(resolver *Resolver, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = NewResolver(nil, time.UTC, logger)
	}
	return &Generator{
		resolver: resolver,
		logger:   logger,
		tracer:   otel.Tracer("dose-generator"),
		newID:    func() string { return uuid.New().String() },
	}
}

// Resolver returns the resolver used for anchors
func (g *Generator) Resolver() *Resolver {
	return g.resolver
}

// ForMedication builds the events for med over its duration, starting on the
// calendar date of start. Slots at or before now are skipped. PRN medications,
// medications without slots and non-positive durations yield no events.
func (g *Generator) ForMedication(ctx context.Context, med *medication.Medication, start, now time.Time) ([]*dose.Event, error) {
	if med == nil {
		return nil, ErrNoMedication
	}

	ctx, span := g.tracer.Start(ctx, "generate_for_medication",
		trace.WithAttributes(
			attribute.String("medication_id", med.ID),
			attribute.Int("duration_days", med.DurationDays),
		))
	defer span.End()

	periods := med.ActivePeriods()
	if med.PRN || len(periods) == 0 || med.DurationDays <= 0 {
		return nil, nil
	}

	meals := g.resolver.Resolve(ctx, med.PatientID).Meals
	anchors := make([]clock.TimeOfDay, 0, len(periods))
	for _, p := range periods {
		anchors = append(anchors, meals.Anchor(p))
	}

	events := g.expand(med, anchors, start, now)
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// ForBatch builds events for every scheduled medication of a batch, each
// anchored at the batch's clock time rather than meal preferences.
func (g *Generator) ForBatch(ctx context.Context, batch *medication.Batch, meds []*medication.Medication, start, now time.Time) ([]*dose.Event, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: batch is required", medication.ErrInvalidInput)
	}

	_, span := g.tracer.Start(ctx, "generate_for_batch",
		trace.WithAttributes(
			attribute.String("batch_id", batch.ID),
			attribute.Int("medications", len(meds)),
		))
	defer span.End()

	var events []*dose.Event
	for _, med := range meds {
		if med == nil || med.PRN || med.DurationDays <= 0 || len(med.ActivePeriods()) == 0 {
			continue
		}
		events = append(events, g.expand(med, []clock.TimeOfDay{batch.ScheduledTime}, start, now)...)
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// expand lays anchors over [start, start+duration) days
func (g *Generator) expand(med *medication.Medication, anchors []clock.TimeOfDay, start, now time.Time) []*dose.Event {
	loc := g.resolver.Location()
	first := clock.StartOfDay(start, loc)
	seen := make(map[int64]struct{}, med.DurationDays*len(anchors))
	events := make([]*dose.Event, 0, med.DurationDays*len(anchors))

	for day := 0; day < med.DurationDays; day++ {
		date := clock.AddDays(first, day)
		for _, anchor := range anchors {
			scheduled := anchor.On(date, loc)
			if !scheduled.After(now) {
				continue
			}
			key := scheduled.UnixNano()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			events = append(events, &dose.Event{
				ID:             g.newID(),
				PrescriptionID: med.PrescriptionID,
				MedicationID:   med.ID,
				PatientID:      med.PatientID,
				ScheduledTime:  scheduled.UTC(),
				TimePeriod:     dose.PeriodForHour(anchor.Hour),
				ReminderTime:   anchor.String(),
				Status:         dose.StatusDue,
				CreatedAt:      now.UTC(),
				UpdatedAt:      now.UTC(),
			})
		}
	}

	g.logger.Debug("dose events expanded",
		zap.String("medication_id", med.ID),
		zap.Int("events", len(events)))
	return events
}
