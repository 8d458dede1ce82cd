// Package clock provides wall-clock times of day used as reminder anchors.
package clock

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is an HH:mm wall-clock time without a date or zone
type TimeOfDay struct {
	Hour   int
	Minute int
}

// New creates a TimeOfDay, rejecting out of range values
func New(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %02d:%02d out of range", hour, minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// MustParse parses s and panics on failure. Intended for constants.
func MustParse(s string) TimeOfDay {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse parses an "HH:mm" string
func Parse(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 || !digits(hh) || !digits(mm) {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:mm", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return New(hour, minute)
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String formats as zero-padded HH:mm
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On places the time of day on the calendar date of day, interpreted in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Of extracts the time of day of ts in loc
func Of(ts time.Time, loc *time.Location) TimeOfDay {
	if loc == nil {
		loc = time.UTC
	}
	l := ts.In(loc)
	return TimeOfDay{Hour: l.Hour(), Minute: l.Minute()}
}

// MarshalJSON encodes as "HH:mm"
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes from "HH:mm"
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// StartOfDay truncates ts to midnight of its calendar date in loc
func StartOfDay(ts time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := ts.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// AddDays moves a midnight-aligned date by n calendar days, staying on
// midnight across DST shifts.
func AddDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

// DateKey formats the calendar date of ts in loc as YYYY-MM-DD
func DateKey(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format("2006-01-02")
}
