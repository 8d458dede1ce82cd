// Package adherence computes compliance statistics over dose events.
package adherence

import (
	"errors"
	"math"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Kind identifies a cached statistics window
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
)

// Window sizes
const (
	WeekDays         = 7
	MonthDays        = 30
	MonthBuckets     = 4
	MaxTrendDays     = 90
	DefaultTrendDays = 7
)

// ErrInvalidWindow is returned for unknown kinds or out of range trend lengths
var ErrInvalidWindow = errors.New("invalid adherence window")

// ParseKind maps a route name to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "today", "daily", "day":
		return KindDaily, nil
	case "week", "weekly":
		return KindWeekly, nil
	case "month", "monthly":
		return KindMonthly, nil
	}
	return "", ErrInvalidWindow
}

// Counts tallies events by outcome
type Counts struct {
	Total   int `json:"total"`
	Taken   int `json:"taken"`
	OnTime  int `json:"onTime"`
	Late    int `json:"late"`
	Missed  int `json:"missed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

// Add counts one event
func (c *Counts) Add(s dose.Status) {
	c.Total++
	switch s {
	case dose.StatusTakenOnTime:
		c.Taken++
		c.OnTime++
	case dose.StatusTakenLate:
		c.Taken++
		c.Late++
	case dose.StatusMissed:
		c.Missed++
	case dose.StatusSkipped:
		c.Skipped++
	default:
		c.Pending++
	}
}

// Rate is round(100 * taken / total), zero for an empty window
func (c Counts) Rate() int {
	return Percentage(c.Taken, c.Total)
}

// Percentage computes a rounded whole percentage, zero when total is zero
func Percentage(taken, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(taken) / float64(total)))
}

// Bucket is one slice of a breakdown
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
	Counts
	Percentage int `json:"percentage"`
}

// Stats is the result of an adherence query
type Stats struct {
	PatientID      string    `json:"patientId,omitempty"`
	PrescriptionID string    `json:"prescriptionId,omitempty"`
	Kind           Kind      `json:"kind,omitempty"`
	AnchorDate     string    `json:"anchorDate,omitempty"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Counts
	Percentage int       `json:"percentage"`
	Breakdown  []Bucket  `json:"breakdown,omitempty"`
	ComputedAt time.Time `json:"computedAt"`
}

// Overview bundles the three cached windows for a patient
type Overview struct {
	Today *Stats `json:"today"`
	Week  *Stats `json:"week"`
	Month *Stats `json:"month"`
}
