package dose

import (
	"errors"
	"testing"
	"time"
)

func newDue(scheduled time.Time) *Event {
	return &Event{
		ID:            "dose-1",
		MedicationID:  "med-1",
		PatientID:     "patient-1",
		ScheduledTime: scheduled,
		Status:        StatusDue,
	}
}

func TestPeriodForHour(t *testing.T) {
	tests := []struct {
		hour int
		want TimePeriod
	}{
		{0, PeriodDaytime},
		{7, PeriodDaytime},
		{17, PeriodDaytime},
		{18, PeriodNight},
		{20, PeriodNight},
		{23, PeriodNight},
	}
	for _, tt := range tests {
		if got := PeriodForHour(tt.hour); got != tt.want {
			t.Errorf("PeriodForHour(%d) = %s, want %s", tt.hour, got, tt.want)
		}
	}
}

func TestClassifyTakenBoundary(t *testing.T) {
	scheduled := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	grace := 30 * time.Minute

	if got := ClassifyTaken(scheduled, scheduled.Add(grace), grace); got != StatusTakenOnTime {
		t.Errorf("at deadline: got %s, want %s", got, StatusTakenOnTime)
	}
	if got := ClassifyTaken(scheduled, scheduled.Add(grace+time.Microsecond), grace); got != StatusTakenLate {
		t.Errorf("1µs after deadline: got %s, want %s", got, StatusTakenLate)
	}
	if got := ClassifyTaken(scheduled, scheduled.Add(-time.Hour), grace); got != StatusTakenOnTime {
		t.Errorf("early: got %s, want %s", got, StatusTakenOnTime)
	}
}

func TestTakeWithGraceTen(t *testing.T) {
	scheduled := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	grace := 10 * time.Minute
	now := scheduled.Add(2 * time.Hour)

	onTime, err := newDue(scheduled).Take(scheduled.Add(5*time.Minute), now, grace, false)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if onTime.To != StatusTakenOnTime {
		t.Errorf("+5m: got %s, want %s", onTime.To, StatusTakenOnTime)
	}

	late, err := newDue(scheduled).Take(scheduled.Add(45*time.Minute), now, grace, false)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if late.To != StatusTakenLate {
		t.Errorf("+45m: got %s, want %s", late.To, StatusTakenLate)
	}
	if late.TakenAt == nil || !late.TakenAt.Equal(scheduled.Add(45*time.Minute)) {
		t.Errorf("TakenAt = %v, want client time", late.TakenAt)
	}
	if !late.At.Equal(now) {
		t.Errorf("At = %v, want %v", late.At, now)
	}
}

func TestTerminalEventsRejectTransitions(t *testing.T) {
	scheduled := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	now := scheduled.Add(time.Hour)

	for _, status := range []Status{StatusTakenOnTime, StatusTakenLate, StatusMissed, StatusSkipped} {
		e := newDue(scheduled)
		e.Status = status

		if _, err := e.Take(now, now, DefaultGracePeriod, false); !errors.Is(err, ErrConflict) {
			t.Errorf("%s Take: got %v, want ErrConflict", status, err)
		}
		if _, err := e.Skip("felt sick", now, false); !errors.Is(err, ErrConflict) {
			t.Errorf("%s Skip: got %v, want ErrConflict", status, err)
		}
		if _, err := e.Miss(now, DefaultGracePeriod); !errors.Is(err, ErrConflict) {
			t.Errorf("%s Miss: got %v, want ErrConflict", status, err)
		}
	}
}

func TestSkipRequiresReason(t *testing.T) {
	e := newDue(time.Now())
	if _, err := e.Skip("   ", time.Now(), false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
	tr, err := e.Skip(" nausea ", time.Now(), true)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if tr.SkipReason != "nausea" || tr.To != StatusSkipped || !tr.Offline {
		t.Errorf("unexpected transition %+v", tr)
	}
}

func TestMissOnlyAfterGrace(t *testing.T) {
	scheduled := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	grace := 20 * time.Minute
	e := newDue(scheduled)

	if _, err := e.Miss(scheduled.Add(grace), grace); !errors.Is(err, ErrNotOverdue) {
		t.Errorf("at deadline: got %v, want ErrNotOverdue", err)
	}
	tr, err := e.Miss(scheduled.Add(grace+time.Second), grace)
	if err != nil {
		t.Fatalf("Miss: %v", err)
	}
	e.Apply(tr)
	if e.Status != StatusMissed {
		t.Errorf("status = %s, want MISSED", e.Status)
	}
	if _, err := e.Miss(scheduled.Add(time.Hour), grace); !errors.Is(err, ErrConflict) {
		t.Errorf("second Miss: got %v, want ErrConflict", err)
	}
}

func TestGraceOrDefault(t *testing.T) {
	if got := GraceOrDefault(60); got != time.Hour {
		t.Errorf("60 -> %v", got)
	}
	if got := GraceOrDefault(15); got != DefaultGracePeriod {
		t.Errorf("15 -> %v, want default", got)
	}
	if got := GraceOrDefault(0); got != DefaultGracePeriod {
		t.Errorf("0 -> %v, want default", got)
	}
}

func TestFilterMatches(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := newDue(base.Add(8 * time.Hour))

	f := Filter{PatientID: "patient-1", From: base, To: base.Add(24 * time.Hour)}
	if !f.Matches(e) {
		t.Error("expected match inside window")
	}
	f.To = base.Add(8 * time.Hour)
	if f.Matches(e) {
		t.Error("To bound must be exclusive")
	}
	f = Filter{Statuses: []Status{StatusMissed}}
	if f.Matches(e) {
		t.Error("status filter should exclude DUE")
	}
}

func TestTransitionEventType(t *testing.T) {
	e := newDue(time.Now())
	e.Status = StatusMissed
	if got := NewTransitionEvent(e).Type; got != EventDoseMissed {
		t.Errorf("type = %s, want %s", got, EventDoseMissed)
	}
	e.Status = StatusTakenLate
	ev := NewTransitionEvent(e)
	if ev.Type != EventDoseTaken || ev.Key() != "patient-1" || ev.AggregateID() != "dose-1" {
		t.Errorf("unexpected event %+v", ev)
	}
}
