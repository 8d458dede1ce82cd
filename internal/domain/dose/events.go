package dose

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LifecycleEventType identifies a dose lifecycle notification
type LifecycleEventType string

const (
	EventDoseTaken        LifecycleEventType = "DoseTaken"
	EventDoseSkipped      LifecycleEventType = "DoseSkipped"
	EventDoseMissed       LifecycleEventType = "DoseMissed"
	EventDosesScheduled   LifecycleEventType = "DosesScheduled"
	EventDosesRegenerated LifecycleEventType = "DosesRegenerated"
	EventDosesRemoved     LifecycleEventType = "DosesRemoved"
)

// AggregateType is the outbox aggregate type for dose events
const AggregateType = "DoseEvent"

// Topic carries every LifecycleEvent, keyed by patient
const Topic = "dose.lifecycle"

// LifecycleEvent is published whenever dose events change. Consumers use it
// for caregiver notifications and to evict cached adherence.
type LifecycleEvent struct {
	ID             string             `json:"id"`
	Type           LifecycleEventType `json:"type"`
	PatientID      string             `json:"patient_id"`
	DoseID         string             `json:"dose_id,omitempty"`
	MedicationID   string             `json:"medication_id,omitempty"`
	PrescriptionID string             `json:"prescription_id,omitempty"`
	Status         Status             `json:"status,omitempty"`
	ScheduledTime  *time.Time         `json:"scheduled_time,omitempty"`
	TakenAt        *time.Time         `json:"taken_at,omitempty"`
	WasOffline     bool               `json:"was_offline,omitempty"`
	Count          int                `json:"count,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// NewTransitionEvent builds the lifecycle event for a status change of e
func NewTransitionEvent(e *Event) *LifecycleEvent {
	var typ LifecycleEventType
	switch e.Status {
	case StatusMissed:
		typ = EventDoseMissed
	case StatusSkipped:
		typ = EventDoseSkipped
	default:
		typ = EventDoseTaken
	}
	scheduled := e.ScheduledTime
	return &LifecycleEvent{
		ID:             uuid.New().String(),
		Type:           typ,
		PatientID:      e.PatientID,
		DoseID:         e.ID,
		MedicationID:   e.MedicationID,
		PrescriptionID: e.PrescriptionID,
		Status:         e.Status,
		ScheduledTime:  &scheduled,
		TakenAt:        e.TakenAt,
		WasOffline:     e.WasOffline,
		OccurredAt:     e.UpdatedAt.UTC(),
	}
}

// NewBulkEvent builds a lifecycle event describing a bulk change to a
// patient's dose events.
func NewBulkEvent(typ LifecycleEventType, patientID, medicationID, prescriptionID string, count int, at time.Time) *LifecycleEvent {
	return &LifecycleEvent{
		ID:             uuid.New().String(),
		Type:           typ,
		PatientID:      patientID,
		MedicationID:   medicationID,
		PrescriptionID: prescriptionID,
		Count:          count,
		OccurredAt:     at.UTC(),
	}
}

// Key is the partition key. Keying by patient keeps one patient's events ordered.
func (e *LifecycleEvent) Key() string {
	return e.PatientID
}

// AggregateID returns the id the outbox row is filed under
func (e *LifecycleEvent) AggregateID() string {
	switch {
	case e.DoseID != "":
		return e.DoseID
	case e.MedicationID != "":
		return e.MedicationID
	case e.PrescriptionID != "":
		return e.PrescriptionID
	}
	return e.PatientID
}

// Marshal encodes the event payload
func (e *LifecycleEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeLifecycleEvent parses a payload produced by Marshal
func DecodeLifecycleEvent(data []byte) (*LifecycleEvent, error) {
	var e LifecycleEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// BulkEvents builds one bulk event per medication touched by events, in the
// order medications first appear.
func BulkEvents(typ LifecycleEventType, events []*Event, at time.Time) []*LifecycleEvent {
	type group struct {
		patientID, prescriptionID string
		count                     int
	}
	groups := make(map[string]*group)
	var order []string
	for _, e := range events {
		g, ok := groups[e.MedicationID]
		if !ok {
			g = &group{patientID: e.PatientID, prescriptionID: e.PrescriptionID}
			groups[e.MedicationID] = g
			order = append(order, e.MedicationID)
		}
		g.count++
	}
	out := make([]*LifecycleEvent, 0, len(order))
	for _, medID := range order {
		g := groups[medID]
		out = append(out, NewBulkEvent(typ, g.patientID, medID, g.prescriptionID, g.count, at))
	}
	return out
}
