// Package medication models dosing instructions, prescriptions and batches.
package medication

import (
	"bytes"
	"encoding/json"
)

// Period is one of the three daily dosing slots
type Period string

const (
	PeriodMorning Period = "morning"
	PeriodDaytime Period = "daytime"
	PeriodNight   Period = "night"
)

// Periods lists slots in the order they occur during a day
var Periods = []Period{PeriodMorning, PeriodDaytime, PeriodNight}

// Dosage is the amount taken in one slot
type Dosage struct {
	Amount     string `json:"amount"`
	BeforeMeal bool   `json:"beforeMeal"`
}

// OptionalDosage is either a Dosage or nothing. The zero value is None.
type OptionalDosage struct {
	dosage  Dosage
	present bool
}

// Some wraps d as a present dosage
func Some(d Dosage) OptionalDosage {
	return OptionalDosage{dosage: d, present: true}
}

// None is the absent dosage
func None() OptionalDosage {
	return OptionalDosage{}
}

// Get returns the dosage and whether it is present
func (o OptionalDosage) Get() (Dosage, bool) {
	return o.dosage, o.present
}

// IsSome reports whether a dosage is present
func (o OptionalDosage) IsSome() bool {
	return o.present
}

// MarshalJSON encodes None as null
func (o OptionalDosage) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.dosage)
}

// UnmarshalJSON decodes null as None
func (o *OptionalDosage) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None()
		return nil
	}
	var d Dosage
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*o = Some(d)
	return nil
}
