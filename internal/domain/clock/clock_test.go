package clock

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"07:00", TimeOfDay{7, 0}, false},
		{"7:30", TimeOfDay{7, 30}, false},
		{"23:59", TimeOfDay{23, 59}, false},
		{"00:00", TimeOfDay{0, 0}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
		{"12:5", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
		{"+7:00", TimeOfDay{}, true},
		{"-0:00", TimeOfDay{}, true},
		{"07:+5", TimeOfDay{}, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStringPadding(t *testing.T) {
	if got := (TimeOfDay{Hour: 7, Minute: 5}).String(); got != "07:05" {
		t.Errorf("String() = %q, want 07:05", got)
	}
}

func TestOnUsesLocationCalendarDate(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	// 20:00 UTC on Jan 1 is already Jan 2 in UTC+7
	day := time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC)

	got := MustParse("08:00").On(day, loc)
	want := time.Date(2025, 1, 2, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("On() = %v, want %v", got, want)
	}
}

func TestAddDaysStaysOnMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2025, 3, 8, 0, 0, 0, 0, loc)
	next := AddDays(start, 1)
	if next.Hour() != 0 || next.Day() != 9 {
		t.Errorf("AddDays across DST = %v, want midnight Mar 9", next)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var tod TimeOfDay
	if err := tod.UnmarshalJSON([]byte(`"20:15"`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tod.Hour != 20 || tod.Minute != 15 {
		t.Fatalf("got %v", tod)
	}
	if err := tod.UnmarshalJSON([]byte(`"bad"`)); err == nil {
		t.Error("expected error for bad value")
	}
}
