package dosing

import (
	"context"
	"time"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// DaySchedule is a patient's dose events for one calendar date
type DaySchedule struct {
	PatientID string        `json:"patientId"`
	Date      string        `json:"date"`
	Daytime   []*dose.Event `json:"daytime"`
	Night     []*dose.Event `json:"night"`
	Progress  Progress      `json:"progress"`
}

// Progress summarises a day's resolution so far
type Progress struct {
	adherence.Counts
	Percentage int `json:"percentage"`
}

// DaySchedule returns the events of the calendar date containing day, grouped
// by time period.
func (s *Service) DaySchedule(ctx context.Context, patientID string, day time.Time) (*DaySchedule, error) {
	loc := s.resolver.Location()
	start := clock.StartOfDay(day, loc)

	events, err := s.doses.List(ctx, dose.Filter{
		PatientID: patientID,
		From:      start,
		To:        clock.AddDays(start, 1),
	})
	if err != nil {
		return nil, err
	}

	out := &DaySchedule{
		PatientID: patientID,
		Date:      clock.DateKey(start, loc),
		Daytime:   make([]*dose.Event, 0),
		Night:     make([]*dose.Event, 0),
	}
	for _, e := range events {
		if e.TimePeriod == dose.PeriodNight {
			out.Night = append(out.Night, e)
		} else {
			out.Daytime = append(out.Daytime, e)
		}
		out.Progress.Add(e.Status)
	}
	out.Progress.Percentage = out.Progress.Rate()
	return out, nil
}

// Location returns the calendar time zone used for day boundaries
func (s *Service) Location() *time.Location {
	return s.resolver.Location()
}
