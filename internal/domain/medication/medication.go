package medication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/clock"
)

// DefaultDurationDays applies when a medication is created without a duration
const DefaultDurationDays = 30

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Prescription is the container medications belong to
type Prescription struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Medication is one drug with its dosing instructions
type Medication struct {
	ID             string         `json:"id"`
	PrescriptionID string         `json:"prescriptionId"`
	PatientID      string         `json:"patientId"`
	Name           string         `json:"name"`
	Morning        OptionalDosage `json:"morning"`
	Daytime        OptionalDosage `json:"daytime"`
	Night          OptionalDosage `json:"night"`
	Frequency      string         `json:"frequency"`
	DurationDays   int            `json:"durationDays"`
	PRN            bool           `json:"prn"`
	BatchID        string         `json:"batchId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Dosage returns the dosage for slot p
func (m *Medication) Dosage(p Period) OptionalDosage {
	switch p {
	case PeriodMorning:
		return m.Morning
	case PeriodDaytime:
		return m.Daytime
	case PeriodNight:
		return m.Night
	}
	return None()
}

// SetDosage assigns the dosage for slot p
func (m *Medication) SetDosage(p Period, d OptionalDosage) {
	switch p {
	case PeriodMorning:
		m.Morning = d
	case PeriodDaytime:
		m.Daytime = d
	case PeriodNight:
		m.Night = d
	}
}

// ActivePeriods returns the slots that carry a dosage, in day order
func (m *Medication) ActivePeriods() []Period {
	var out []Period
	for _, p := range Periods {
		if m.Dosage(p).IsSome() {
			out = append(out, p)
		}
	}
	return out
}

// FrequencyLabel returns the stored frequency, or one derived from the
// number of active slots.
func (m *Medication) FrequencyLabel() string {
	if strings.TrimSpace(m.Frequency) != "" {
		return m.Frequency
	}
	n := len(m.ActivePeriods())
	if m.PRN || n == 0 {
		return "as needed"
	}
	if n == 1 {
		return "1 time/day"
	}
	return fmt.Sprintf("%d times/day", n)
}

// Normalize fills defaults for a new medication
func (m *Medication) Normalize() {
	m.Name = strings.TrimSpace(m.Name)
	if m.DurationDays == 0 {
		m.DurationDays = DefaultDurationDays
	}
	m.Frequency = m.FrequencyLabel()
}

// Validate checks the medication before it is stored
func (m *Medication) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: medication name is required", ErrInvalidInput)
	}
	if m.PatientID == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if m.DurationDays < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidInput)
	}
	for _, p := range Periods {
		if d, ok := m.Dosage(p).Get(); ok && strings.TrimSpace(d.Amount) == "" {
			return fmt.Errorf("%w: %s dosage amount is required", ErrInvalidInput, p)
		}
	}
	return nil
}

// ScheduleChanged reports whether any field that shapes dose events differs
func (m *Medication) ScheduleChanged(other *Medication) bool {
	if other == nil {
		return true
	}
	if m.DurationDays != other.DurationDays || m.PRN != other.PRN || m.BatchID != other.BatchID {
		return true
	}
	for _, p := range Periods {
		if m.Dosage(p) != other.Dosage(p) {
			return true
		}
	}
	return false
}

// Batch is a named group of medications taken together at one clock time
type Batch struct {
	ID             string          `json:"id"`
	PatientID      string          `json:"patientId"`
	Name           string          `json:"name"`
	ScheduledTime  clock.TimeOfDay `json:"scheduledTime"`
	PrescriptionID string          `json:"prescriptionId"`
	Active         bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SlotForTime maps a batch clock time to the dosing slot it occupies
func SlotForTime(t clock.TimeOfDay) Period {
	switch {
	case t.Hour < 12:
		return PeriodMorning
	case t.Hour < 18:
		return PeriodDaytime
	default:
		return PeriodNight
	}
}

// Slot returns the dosing slot of the batch
func (b *Batch) Slot() Period {
	return SlotForTime(b.ScheduledTime)
}

// Validate checks the batch before it is stored
func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: batch name is required", ErrInvalidInput)
	}
	if b.PatientID == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	return nil
}
