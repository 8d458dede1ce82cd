package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/schedule"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type spyCache struct {
	mu       sync.Mutex
	patients map[string]int
}

func (c *spyCache) Invalidate(ctx context.Context, patientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patients[patientID]++
}

func event(id, patient string, ago time.Duration) *dose.Event {
	return &dose.Event{
		ID:            id,
		MedicationID:  "m-" + id,
		PatientID:     patient,
		ScheduledTime: now.Add(-ago),
		Status:        dose.StatusDue,
	}
}

func newSweeper(t *testing.T, repo dose.Repository, prefs schedule.PreferenceSource, cache Invalidator, cfg Config) *Sweeper {
	t.Helper()
	s, err := New(cfg, repo, schedule.NewResolver(prefs, time.UTC, nil), cache, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetClock(func() time.Time { return now })
	t.Cleanup(s.Close)
	return s
}

func TestRunOnceMarksOverdueWithPatientGrace(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDoseRepo()
	prefs := memory.NewPreferenceRepo()
	prefs.SavePreferences(ctx, schedule.StoredPreferences{PatientID: "strict", GracePeriodMinutes: 10})

	repo.InsertBatch(ctx, []*dose.Event{
		event("a", "default", 45*time.Minute), // past 30m default grace
		event("b", "default", 20*time.Minute), // within default grace
		event("c", "strict", 15*time.Minute),  // past 10m grace
		event("d", "strict", 5*time.Minute),   // too recent to be listed
		event("e", "default", -time.Hour),     // future
	})

	cache := &spyCache{patients: map[string]int{}}
	s := newSweeper(t, repo, prefs, cache, DefaultConfig())

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Marked != 2 || res.Scanned != 3 || res.Skipped != 1 {
		t.Errorf("result = %+v, want scanned 3 / marked 2 / skipped 1", res)
	}

	want := map[string]dose.Status{"a": dose.StatusMissed, "b": dose.StatusDue, "c": dose.StatusMissed, "d": dose.StatusDue, "e": dose.StatusDue}
	for id, status := range want {
		e, _ := repo.Get(ctx, id)
		if e.Status != status {
			t.Errorf("%s status = %s, want %s", id, e.Status, status)
		}
	}
	if cache.patients["default"] != 1 || cache.patients["strict"] != 1 {
		t.Errorf("invalidations = %v", cache.patients)
	}

	var missed int
	for _, ev := range repo.Published() {
		if ev.Type == dose.EventDoseMissed {
			missed++
		}
	}
	if missed != 2 {
		t.Errorf("published %d DoseMissed events, want 2", missed)
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDoseRepo()
	repo.InsertBatch(ctx, []*dose.Event{event("a", "p1", time.Hour)})
	s := newSweeper(t, repo, nil, nil, DefaultConfig())

	if res, _ := s.RunOnce(ctx); res.Marked != 1 {
		t.Fatalf("first run marked %d", res.Marked)
	}
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Marked != 0 || res.Scanned != 0 {
		t.Errorf("second run = %+v", res)
	}
}

func TestRunOnceDoesNotOverwriteTaken(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDoseRepo()
	repo.InsertBatch(ctx, []*dose.Event{event("a", "p1", time.Hour)})
	takenAt := now.Add(-50 * time.Minute)
	repo.ApplyTransition(ctx, "a", dose.Transition{To: dose.StatusTakenLate, At: now, TakenAt: &takenAt})

	s := newSweeper(t, repo, nil, nil, DefaultConfig())
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	e, _ := repo.Get(ctx, "a")
	if e.Status != dose.StatusTakenLate {
		t.Errorf("status = %s, want TAKEN_LATE", e.Status)
	}
}

func TestRunOncePages(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDoseRepo()
	var events []*dose.Event
	for i := 0; i < 25; i++ {
		events = append(events, event(fmt.Sprintf("e%02d", i), fmt.Sprintf("p%d", i%4), time.Duration(60+i)*time.Minute))
	}
	repo.InsertBatch(ctx, events)

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.Workers = 3
	s := newSweeper(t, repo, nil, nil, cfg)

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Marked != 25 {
		t.Errorf("marked %d, want 25", res.Marked)
	}
	left, _ := repo.ListOverdue(ctx, now, 100)
	if len(left) != 0 {
		t.Errorf("%d overdue events left", len(left))
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDoseRepo()
	repo.InsertBatch(ctx, []*dose.Event{event("a", "p1", time.Hour)})

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	s, err := New(cfg, repo, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return now })
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, _ := repo.Get(ctx, "a"); e.Status == dose.StatusMissed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if e, _ := repo.Get(ctx, "a"); e.Status != dose.StatusMissed {
		t.Errorf("status = %s, want MISSED after first tick", e.Status)
	}
}
