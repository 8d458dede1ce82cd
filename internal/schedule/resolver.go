// Package schedule turns dosing instructions into concrete dose events.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Default meal anchors used when a patient has no preference
var (
	DefaultMorningMeal   = clock.TimeOfDay{Hour: 7}
	DefaultAfternoonMeal = clock.TimeOfDay{Hour: 12}
	DefaultNightMeal     = clock.TimeOfDay{Hour: 20}
)

// StoredPreferences is a patient's raw preference record
type StoredPreferences struct {
	PatientID          string
	MorningMeal        string
	AfternoonMeal      string
	NightMeal          string
	GracePeriodMinutes int
}

// PreferenceSource loads a patient's stored preferences. It returns nil, nil
// when the patient has none.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, patientID string) (*StoredPreferences, error)
}

// MealTimes holds the three daily anchors
type MealTimes struct {
	Morning   clock.TimeOfDay `json:"morning"`
	Afternoon clock.TimeOfDay `json:"afternoon"`
	Night     clock.TimeOfDay `json:"night"`
}

// DefaultMealTimes returns the fallback anchors
func DefaultMealTimes() MealTimes {
	return MealTimes{Morning: DefaultMorningMeal, Afternoon: DefaultAfternoonMeal, Night: DefaultNightMeal}
}

// Anchor returns the clock time used for slot p
func (m MealTimes) Anchor(p medication.Period) clock.TimeOfDay {
	switch p {
	case medication.PeriodMorning:
		return m.Morning
	case medication.PeriodDaytime:
		return m.Afternoon
	default:
		return m.Night
	}
}

// Preferences are the resolved per-patient settings
type Preferences struct {
	Meals       MealTimes
	GracePeriod time.Duration
}

// Resolver resolves patient anchors and grace periods in a fixed time zone
type Resolver struct {
	source   PreferenceSource
	location *time.Location
	logger   *zap.Logger
}

// NewResolver creates a new resolver. A nil source always yields defaults.
func NewResolver(source PreferenceSource, loc *time.Location, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{source: source, location: loc, logger: logger}
}

// Location returns the calendar time zone
func (r *Resolver) Location() *time.Location {
	return r.location
}

// Resolve returns the patient's anchors and grace period. Missing or
// unreadable preferences fall back to defaults; it never fails.
func (r *Resolver) Resolve(ctx context.Context, patientID string) Preferences {
	prefs := Preferences{Meals: DefaultMealTimes(), GracePeriod: dose.DefaultGracePeriod}
	if r.source == nil {
		return prefs
	}

	stored, err := r.source.GetPreferences(ctx, patientID)
	if err != nil {
		r.logger.Warn("preference lookup failed, using defaults",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return prefs
	}
	if stored == nil {
		return prefs
	}

	prefs.Meals.Morning = r.parseOr(stored.MorningMeal, DefaultMorningMeal, patientID)
	prefs.Meals.Afternoon = r.parseOr(stored.AfternoonMeal, DefaultAfternoonMeal, patientID)
	prefs.Meals.Night = r.parseOr(stored.NightMeal, DefaultNightMeal, patientID)
	prefs.GracePeriod = dose.GraceOrDefault(stored.GracePeriodMinutes)
	return prefs
}

// GracePeriod resolves only the patient's grace period
func (r *Resolver) GracePeriod(ctx context.Context, patientID string) time.Duration {
	return r.Resolve(ctx, patientID).GracePeriod
}

func (r *Resolver) parseOr(raw string, fallback clock.TimeOfDay, patientID string) clock.TimeOfDay {
	if raw == "" {
		return fallback
	}
	t, err := clock.Parse(raw)
	if err != nil {
		r.logger.Warn("invalid meal time preference",
			zap.String("patient_id", patientID),
			zap.String("value", raw),
			zap.Error(err))
		return fallback
	}
	return t
}
