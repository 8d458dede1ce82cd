package dose

import (
	"context"
	"time"
)

// Filter narrows List queries. Zero values are ignored.
type Filter struct {
	PatientID      string
	PrescriptionID string
	MedicationID   string
	// From and To bound ScheduledTime as [From, To)
	From     time.Time
	To       time.Time
	Statuses []Status
	Limit    int
}

// Matches reports whether e satisfies the filter
func (f Filter) Matches(e *Event) bool {
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.PrescriptionID != "" && e.PrescriptionID != f.PrescriptionID {
		return false
	}
	if f.MedicationID != "" && e.MedicationID != f.MedicationID {
		return false
	}
	if !f.From.IsZero() && e.ScheduledTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.ScheduledTime.Before(f.To) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if e.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Repository persists dose events. Implementations publish a LifecycleEvent
// for every write in the same unit of work.
type Repository interface {
	// InsertBatch stores events atomically, skipping any whose
	// (MedicationID, ScheduledTime) pair already exists. Returns the number inserted.
	InsertBatch(ctx context.Context, events []*Event) (int, error)

	Get(ctx context.Context, id string) (*Event, error)

	// List returns matching events ordered by ScheduledTime
	List(ctx context.Context, f Filter) ([]*Event, error)

	// ApplyTransition updates the event only while it is still DUE and
	// returns the stored result. Returns ErrConflict when another writer won.
	ApplyTransition(ctx context.Context, id string, t Transition) (*Event, error)

	// RefineTakenAt lowers TakenAt on an already-taken event when takenAt is
	// earlier than the stored value. Status is left untouched.
	RefineTakenAt(ctx context.Context, id string, takenAt time.Time) (bool, error)

	// ReplaceFutureDue deletes DUE events of the given medications scheduled
	// after the cutoff and inserts replacement in one transaction.
	ReplaceFutureDue(ctx context.Context, medicationIDs []string, after time.Time, replacement []*Event) (deleted int, inserted int, err error)

	DeleteByMedication(ctx context.Context, medicationID string) (int, error)
	DeleteByPrescription(ctx context.Context, prescriptionID string) (int, error)

	// ListOverdue returns DUE events scheduled before cutoff, oldest first
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error)
}
