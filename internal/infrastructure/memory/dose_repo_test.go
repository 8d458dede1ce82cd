package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

var base = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func due(id, med string, hour int) *dose.Event {
	return &dose.Event{
		ID:            id,
		MedicationID:  med,
		PatientID:     "p1",
		ScheduledTime: base.Add(time.Duration(hour) * time.Hour),
		Status:        dose.StatusDue,
	}
}

func TestInsertBatchSkipsExistingSlots(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()

	n, err := repo.InsertBatch(ctx, []*dose.Event{due("a", "m1", 8), due("b", "m1", 20)})
	if err != nil || n != 2 {
		t.Fatalf("first insert = %d, %v", n, err)
	}
	n, _ = repo.InsertBatch(ctx, []*dose.Event{due("c", "m1", 8), due("d", "m2", 8)})
	if n != 1 {
		t.Errorf("second insert = %d, want 1", n)
	}
	if repo.Len() != 3 {
		t.Errorf("Len = %d, want 3", repo.Len())
	}
}

func TestApplyTransitionCompareAndSet(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()
	repo.InsertBatch(ctx, []*dose.Event{due("a", "m1", 8)})

	taken := base.Add(8 * time.Hour)
	stored, err := repo.ApplyTransition(ctx, "a", dose.Transition{From: dose.StatusDue, To: dose.StatusTakenOnTime, At: taken, TakenAt: &taken})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if stored.Status != dose.StatusTakenOnTime {
		t.Errorf("status = %s", stored.Status)
	}

	_, err = repo.ApplyTransition(ctx, "a", dose.Transition{From: dose.StatusDue, To: dose.StatusMissed, At: taken})
	if !errors.Is(err, dose.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
	if _, err := repo.ApplyTransition(ctx, "zzz", dose.Transition{To: dose.StatusMissed}); !errors.Is(err, dose.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	published := repo.Published()
	last := published[len(published)-1]
	if last.Type != dose.EventDoseTaken || last.DoseID != "a" {
		t.Errorf("last published = %+v", last)
	}
}

func TestReplaceFutureDuePreservesResolvedAndPast(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()
	repo.InsertBatch(ctx, []*dose.Event{
		due("past", "m1", 2),
		due("resolved", "m1", 30),
		due("future", "m1", 32),
		due("other", "m2", 32),
	})
	at := base.Add(29 * time.Hour)
	repo.ApplyTransition(ctx, "resolved", dose.Transition{To: dose.StatusSkipped, At: at, SkipReason: "travel"})

	now := base.Add(10 * time.Hour)
	deleted, inserted, err := repo.ReplaceFutureDue(ctx, []string{"m1"}, now, []*dose.Event{due("new", "m1", 33)})
	if err != nil {
		t.Fatalf("ReplaceFutureDue: %v", err)
	}
	if deleted != 1 || inserted != 1 {
		t.Errorf("deleted=%d inserted=%d, want 1/1", deleted, inserted)
	}
	for _, id := range []string{"past", "resolved", "other", "new"} {
		if _, err := repo.Get(ctx, id); err != nil {
			t.Errorf("%s missing: %v", id, err)
		}
	}
	if _, err := repo.Get(ctx, "future"); !errors.Is(err, dose.ErrNotFound) {
		t.Errorf("future DUE event should be replaced")
	}
}

func TestRefineTakenAtOnlyLowers(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()
	repo.InsertBatch(ctx, []*dose.Event{due("a", "m1", 8)})
	taken := base.Add(9 * time.Hour)
	repo.ApplyTransition(ctx, "a", dose.Transition{To: dose.StatusTakenLate, At: taken, TakenAt: &taken})

	if ok, _ := repo.RefineTakenAt(ctx, "a", taken.Add(time.Minute)); ok {
		t.Error("later takenAt must not replace stored value")
	}
	earlier := taken.Add(-30 * time.Minute)
	if ok, _ := repo.RefineTakenAt(ctx, "a", earlier); !ok {
		t.Fatal("earlier takenAt should be recorded")
	}
	e, _ := repo.Get(ctx, "a")
	if !e.TakenAt.Equal(earlier) || e.Status != dose.StatusTakenLate {
		t.Errorf("after refine: takenAt=%v status=%s", e.TakenAt, e.Status)
	}
}

func TestListOverdueOldestFirst(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()
	repo.InsertBatch(ctx, []*dose.Event{due("late", "m1", 6), due("early", "m2", 1), due("future", "m1", 40)})

	got, err := repo.ListOverdue(ctx, base.Add(12*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Errorf("ListOverdue = %v", ids(got))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	repo := NewDoseRepo()
	ctx := context.Background()
	repo.InsertBatch(ctx, []*dose.Event{due("a", "m1", 8)})

	e, _ := repo.Get(ctx, "a")
	e.Status = dose.StatusMissed
	again, _ := repo.Get(ctx, "a")
	if again.Status != dose.StatusDue {
		t.Error("mutating a returned event leaked into the store")
	}
}

func ids(events []*dose.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
