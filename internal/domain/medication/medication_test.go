package medication

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/drfirst/go-adherence/internal/domain/clock"
)

func TestOptionalDosageJSON(t *testing.T) {
	in := []byte(`{"name":"Metformin","patientId":"p1","morning":{"amount":"1 tablet","beforeMeal":true},"daytime":null}`)

	var m Medication
	if err := json.Unmarshal(in, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	d, ok := m.Morning.Get()
	if !ok || d.Amount != "1 tablet" || !d.BeforeMeal {
		t.Errorf("morning = %+v, %v", d, ok)
	}
	if m.Daytime.IsSome() {
		t.Error("explicit null should be None")
	}
	if m.Night.IsSome() {
		t.Error("missing field should be None")
	}

	out, err := json.Marshal(m.Night)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "null" {
		t.Errorf("None marshals to %s, want null", out)
	}
}

func TestActivePeriodsAndFrequency(t *testing.T) {
	m := &Medication{
		Morning: Some(Dosage{Amount: "1"}),
		Night:   Some(Dosage{Amount: "2"}),
	}
	periods := m.ActivePeriods()
	if len(periods) != 2 || periods[0] != PeriodMorning || periods[1] != PeriodNight {
		t.Errorf("ActivePeriods = %v", periods)
	}
	if got := m.FrequencyLabel(); got != "2 times/day" {
		t.Errorf("FrequencyLabel = %q", got)
	}

	m.Night = None()
	if got := m.FrequencyLabel(); got != "1 time/day" {
		t.Errorf("FrequencyLabel = %q", got)
	}

	m.Frequency = "with breakfast"
	if got := m.FrequencyLabel(); got != "with breakfast" {
		t.Errorf("explicit frequency overridden: %q", got)
	}
}

func TestNormalizeDefaultsDuration(t *testing.T) {
	m := &Medication{Name: "  Aspirin ", PatientID: "p1", Morning: Some(Dosage{Amount: "1"})}
	m.Normalize()
	if m.DurationDays != DefaultDurationDays {
		t.Errorf("DurationDays = %d", m.DurationDays)
	}
	if m.Name != "Aspirin" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Frequency != "1 time/day" {
		t.Errorf("Frequency = %q", m.Frequency)
	}
}

func TestValidate(t *testing.T) {
	valid := Medication{Name: "A", PatientID: "p1", Morning: Some(Dosage{Amount: "1"})}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]Medication{
		"no name":      {PatientID: "p1"},
		"no patient":   {Name: "A"},
		"negative":     {Name: "A", PatientID: "p1", DurationDays: -1},
		"empty amount": {Name: "A", PatientID: "p1", Night: Some(Dosage{})},
	}
	for name, m := range cases {
		if err := m.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestScheduleChanged(t *testing.T) {
	base := Medication{
		Name:         "A",
		Morning:      Some(Dosage{Amount: "1"}),
		DurationDays: 10,
	}

	renamed := base
	renamed.Name = "B"
	renamed.Frequency = "daily"
	if base.ScheduleChanged(&renamed) {
		t.Error("name and frequency label are not schedule relevant")
	}

	mealFlip := base
	mealFlip.Morning = Some(Dosage{Amount: "1", BeforeMeal: true})
	if !base.ScheduleChanged(&mealFlip) {
		t.Error("beforeMeal change should be schedule relevant")
	}

	longer := base
	longer.DurationDays = 14
	if !base.ScheduleChanged(&longer) {
		t.Error("duration change should be schedule relevant")
	}

	prn := base
	prn.PRN = true
	if !base.ScheduleChanged(&prn) {
		t.Error("PRN change should be schedule relevant")
	}
}

func TestSlotForTime(t *testing.T) {
	tests := map[string]Period{
		"06:30": PeriodMorning,
		"11:59": PeriodMorning,
		"12:00": PeriodDaytime,
		"17:45": PeriodDaytime,
		"18:00": PeriodNight,
		"22:00": PeriodNight,
	}
	for in, want := range tests {
		if got := SlotForTime(clock.MustParse(in)); got != want {
			t.Errorf("SlotForTime(%s) = %s, want %s", in, got, want)
		}
	}
}
