// Package dose implements the dose event model and its lifecycle.
package dose

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents dose event status
type Status string

const (
	StatusDue         Status = "DUE"
	StatusTakenOnTime Status = "TAKEN_ON_TIME"
	StatusTakenLate   Status = "TAKEN_LATE"
	StatusMissed      Status = "MISSED"
	StatusSkipped     Status = "SKIPPED"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s != StatusDue
}

// IsTaken reports whether the dose counts towards adherence
func (s Status) IsTaken() bool {
	return s == StatusTakenOnTime || s == StatusTakenLate
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusDue, StatusTakenOnTime, StatusTakenLate, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// TimePeriod is the coarse bucket a reminder falls into
type TimePeriod string

const (
	PeriodDaytime TimePeriod = "DAYTIME"
	PeriodNight   TimePeriod = "NIGHT"
)

// NightStartsAt is the first hour bucketed as NIGHT
const NightStartsAt = 18

// PeriodForHour maps an hour of day to DAYTIME or NIGHT
func PeriodForHour(hour int) TimePeriod {
	if hour < NightStartsAt {
		return PeriodDaytime
	}
	return PeriodNight
}

// Grace period bounds
const (
	DefaultGracePeriod = 30 * time.Minute
	MinGracePeriod     = 10 * time.Minute
)

var allowedGraceMinutes = map[int]bool{10: true, 20: true, 30: true, 60: true}

// ValidGraceMinutes reports whether minutes is an allowed grace setting
func ValidGraceMinutes(minutes int) bool {
	return allowedGraceMinutes[minutes]
}

// GraceOrDefault converts a stored grace setting, falling back to the default
// when the value is not one of the allowed settings.
func GraceOrDefault(minutes int) time.Duration {
	if !ValidGraceMinutes(minutes) {
		return DefaultGracePeriod
	}
	return time.Duration(minutes) * time.Minute
}

var (
	ErrNotFound     = errors.New("dose event not found")
	ErrConflict     = errors.New("dose event already resolved")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotOverdue   = errors.New("dose event is still within its grace period")
)

// Event is a single scheduled reminder for one medication
type Event struct {
	ID             string     `json:"id"`
	PrescriptionID string     `json:"prescriptionId"`
	MedicationID   string     `json:"medicationId"`
	PatientID      string     `json:"patientId"`
	ScheduledTime  time.Time  `json:"scheduledTime"`
	TimePeriod     TimePeriod `json:"timePeriod"`
	ReminderTime   string     `json:"reminderTime"`
	Status         Status     `json:"status"`
	TakenAt        *time.Time `json:"takenAt"`
	SkipReason     string     `json:"skipReason,omitempty"`
	WasOffline     bool       `json:"wasOffline"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Deadline is the last instant a dose counts as on time
func (e *Event) Deadline(grace time.Duration) time.Time {
	return e.ScheduledTime.Add(grace)
}

// Transition describes a single DUE -> terminal status change
type Transition struct {
	From       Status
	To         Status
	At         time.Time
	TakenAt    *time.Time
	SkipReason string
	Offline    bool
}

// ClassifyTaken decides on-time versus late. The deadline itself is on time.
func ClassifyTaken(scheduled, takenAt time.Time, grace time.Duration) Status {
	if takenAt.After(scheduled.Add(grace)) {
		return StatusTakenLate
	}
	return StatusTakenOnTime
}

// Take builds the transition for recording the dose as taken at takenAt.
// now is when the server records the change.
func (e *Event) Take(takenAt, now time.Time, grace time.Duration, offline bool) (Transition, error) {
	if e.Status != StatusDue {
		return Transition{}, fmt.Errorf("%w: dose %s is %s", ErrConflict, e.ID, e.Status)
	}
	if takenAt.IsZero() {
		return Transition{}, fmt.Errorf("%w: takenAt is required", ErrInvalidInput)
	}
	at := takenAt
	return Transition{
		From:    e.Status,
		To:      ClassifyTaken(e.ScheduledTime, takenAt, grace),
		At:      now,
		TakenAt: &at,
		Offline: offline,
	}, nil
}

// Skip builds the transition for a deliberate skip
func (e *Event) Skip(reason string, at time.Time, offline bool) (Transition, error) {
	if e.Status != StatusDue {
		return Transition{}, fmt.Errorf("%w: dose %s is %s", ErrConflict, e.ID, e.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transition{}, fmt.Errorf("%w: skip reason is required", ErrInvalidInput)
	}
	return Transition{
		From:       e.Status,
		To:         StatusSkipped,
		At:         at,
		SkipReason: reason,
		Offline:    offline,
	}, nil
}

// Miss builds the transition the missed sweep applies once the grace window
// has fully elapsed.
func (e *Event) Miss(now time.Time, grace time.Duration) (Transition, error) {
	if e.Status != StatusDue {
		return Transition{}, fmt.Errorf("%w: dose %s is %s", ErrConflict, e.ID, e.Status)
	}
	if !now.After(e.Deadline(grace)) {
		return Transition{}, ErrNotOverdue
	}
	return Transition{From: e.Status, To: StatusMissed, At: now}, nil
}

// Apply mutates e according to t. Callers persist through Repository.ApplyTransition.
func (e *Event) Apply(t Transition) {
	e.Status = t.To
	e.TakenAt = t.TakenAt
	e.SkipReason = t.SkipReason
	e.WasOffline = t.Offline
	e.UpdatedAt = t.At
}
