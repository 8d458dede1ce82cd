// Package memory provides in-process repositories for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// DoseRepo is an in-memory dose.Repository. Lifecycle events that Postgres
// would write to the outbox are appended to an internal log instead.
type DoseRepo struct {
	mu        sync.RWMutex
	byID      map[string]*dose.Event
	bySlot    map[string]string
	published []*dose.LifecycleEvent
	now       func() time.Time
}

// NewDoseRepo creates an empty repository
func NewDoseRepo() *DoseRepo {
	return &DoseRepo{
		byID:   make(map[string]*dose.Event),
		bySlot: make(map[string]string),
		now:    time.Now,
	}
}

func slotKey(medicationID string, at time.Time) string {
	return fmt.Sprintf("%s@%d", medicationID, at.UnixNano())
}

func clone(e *dose.Event) *dose.Event {
	c := *e
	if e.TakenAt != nil {
		t := *e.TakenAt
		c.TakenAt = &t
	}
	return &c
}

func (r *DoseRepo) insertLocked(events []*dose.Event) []*dose.Event {
	var inserted []*dose.Event
	for _, e := range events {
		key := slotKey(e.MedicationID, e.ScheduledTime)
		if _, exists := r.bySlot[key]; exists {
			continue
		}
		c := clone(e)
		r.byID[c.ID] = c
		r.bySlot[key] = c.ID
		inserted = append(inserted, c)
	}
	return inserted
}

func (r *DoseRepo) deleteLocked(match func(*dose.Event) bool) []*dose.Event {
	var removed []*dose.Event
	for id, e := range r.byID {
		if !match(e) {
			continue
		}
		delete(r.byID, id)
		delete(r.bySlot, slotKey(e.MedicationID, e.ScheduledTime))
		removed = append(removed, e)
	}
	return removed
}

// publishBulkLocked records one bulk event per medication touched
func (r *DoseRepo) publishBulkLocked(typ dose.LifecycleEventType, events []*dose.Event) {
	r.published = append(r.published, dose.BulkEvents(typ, events, r.now())...)
}

// InsertBatch implements dose.Repository
func (r *DoseRepo) InsertBatch(ctx context.Context, events []*dose.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := r.insertLocked(events)
	r.publishBulkLocked(dose.EventDosesScheduled, inserted)
	return len(inserted), nil
}

// Get implements dose.Repository
func (r *DoseRepo) Get(ctx context.Context, id string) (*dose.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, dose.ErrNotFound
	}
	return clone(e), nil
}

// List implements dose.Repository
func (r *DoseRepo) List(ctx context.Context, f dose.Filter) ([]*dose.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*dose.Event, 0)
	for _, e := range r.byID {
		if f.Matches(e) {
			out = append(out, clone(e))
		}
	}
	sortByScheduled(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ApplyTransition implements dose.Repository
func (r *DoseRepo) ApplyTransition(ctx context.Context, id string, t dose.Transition) (*dose.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, dose.ErrNotFound
	}
	if e.Status != dose.StatusDue {
		return nil, fmt.Errorf("%w: dose %s is %s", dose.ErrConflict, id, e.Status)
	}
	e.Apply(t)
	r.published = append(r.published, dose.NewTransitionEvent(e))
	return clone(e), nil
}

// RefineTakenAt implements dose.Repository
func (r *DoseRepo) RefineTakenAt(ctx context.Context, id string, takenAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false, dose.ErrNotFound
	}
	if !e.Status.IsTaken() || e.TakenAt == nil || !takenAt.Before(*e.TakenAt) {
		return false, nil
	}
	t := takenAt.UTC()
	e.TakenAt = &t
	e.UpdatedAt = r.now().UTC()
	return true, nil
}

// ReplaceFutureDue implements dose.Repository
func (r *DoseRepo) ReplaceFutureDue(ctx context.Context, medicationIDs []string, after time.Time, replacement []*dose.Event) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meds := make(map[string]struct{}, len(medicationIDs))
	for _, id := range medicationIDs {
		meds[id] = struct{}{}
	}
	removed := r.deleteLocked(func(e *dose.Event) bool {
		_, ok := meds[e.MedicationID]
		return ok && e.Status == dose.StatusDue && e.ScheduledTime.After(after)
	})
	inserted := r.insertLocked(replacement)

	r.publishBulkLocked(dose.EventDosesRegenerated, append(removed, inserted...))
	return len(removed), len(inserted), nil
}

// DeleteByMedication implements dose.Repository
func (r *DoseRepo) DeleteByMedication(ctx context.Context, medicationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.deleteLocked(func(e *dose.Event) bool { return e.MedicationID == medicationID })
	r.publishBulkLocked(dose.EventDosesRemoved, removed)
	return len(removed), nil
}

// DeleteByPrescription implements dose.Repository
func (r *DoseRepo) DeleteByPrescription(ctx context.Context, prescriptionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.deleteLocked(func(e *dose.Event) bool { return e.PrescriptionID == prescriptionID })
	r.publishBulkLocked(dose.EventDosesRemoved, removed)
	return len(removed), nil
}

// ListOverdue implements dose.Repository
func (r *DoseRepo) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*dose.Event, error) {
	return r.List(ctx, dose.Filter{To: cutoff, Statuses: []dose.Status{dose.StatusDue}, Limit: limit})
}

// Published returns the lifecycle events recorded so far
func (r *DoseRepo) Published() []*dose.LifecycleEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*dose.LifecycleEvent(nil), r.published...)
}

// Len returns the number of stored events
func (r *DoseRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sortByScheduled(events []*dose.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].ScheduledTime.Equal(events[j].ScheduledTime) {
			return events[i].MedicationID < events[j].MedicationID
		}
		return events[i].ScheduledTime.Before(events[j].ScheduledTime)
	})
}
