package dosing

import (
	"context"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

func ptr(t time.Time) *time.Time { return &t }

func taken(localID, doseID string, ts time.Time) SyncAction {
	return SyncAction{LocalID: localID, DoseID: doseID, Kind: ActionTaken, TakenAt: ptr(ts), DeviceTimestamp: ts}
}

func TestSyncOrdersByDeviceTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := med("Metformin", 3, medication.PeriodNight)
	f.prescribe(t, "p1", m)
	d0 := f.eventAt(t, m.ID, at(0, 20, 0))
	d1 := f.eventAt(t, m.ID, at(1, 20, 0))
	f.now = at(2, 9, 0)

	actions := []SyncAction{
		taken("L2", d1.ID, at(1, 20, 10)),
		taken("L1", d0.ID, at(0, 20, 50)),
		{LocalID: "L3", DoseID: "missing", Kind: ActionSkipped, SkipReason: "x", DeviceTimestamp: at(1, 8, 0)},
		{LocalID: "L4", DoseID: d0.ID, Kind: ActionSkipped, SkipReason: "forgot", DeviceTimestamp: at(0, 21, 0)},
	}
	results := f.svc.Sync(ctx, "p1", actions)

	want := []struct {
		local   string
		outcome Outcome
		status  dose.Status
	}{
		{"L2", OutcomeApplied, dose.StatusTakenOnTime},
		{"L1", OutcomeApplied, dose.StatusTakenLate},
		{"L3", OutcomeNotFound, ""},
		{"L4", OutcomeAlreadyApplied, dose.StatusTakenLate},
	}
	if len(results) != len(want) {
		t.Fatalf("got %d results", len(results))
	}
	for i, w := range want {
		r := results[i]
		if r.LocalID != w.local || r.Outcome != w.outcome || r.Status != w.status {
			t.Errorf("result %d = %+v, want %s %s %s", i, r, w.local, w.outcome, w.status)
		}
	}

	stored, _ := f.svc.GetDose(ctx, d1.ID)
	if !stored.WasOffline || !stored.TakenAt.Equal(at(1, 20, 10)) {
		t.Errorf("offline apply stored %+v", stored)
	}
}

func TestSyncReplayIsAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	m := med("Metformin", 3, medication.PeriodNight)
	f.prescribe(t, "p1", m)
	d0 := f.eventAt(t, m.ID, at(0, 20, 0))
	f.now = at(1, 9, 0)

	batch := []SyncAction{taken("L1", d0.ID, at(0, 20, 10))}
	first := f.svc.Sync(context.Background(), "p1", batch)
	second := f.svc.Sync(context.Background(), "p1", batch)

	if first[0].Outcome != OutcomeApplied {
		t.Errorf("first = %+v", first[0])
	}
	if second[0].Outcome != OutcomeAlreadyApplied || second[0].Status != dose.StatusTakenOnTime {
		t.Errorf("second = %+v", second[0])
	}
}

func TestSyncReplayThroughInbox(t *testing.T) {
	f := newFixture(t)
	f.svc.SetInbox(idempotency.NewMemoryInbox(0))
	m := med("Metformin", 3, medication.PeriodNight)
	f.prescribe(t, "p1", m)
	d0 := f.eventAt(t, m.ID, at(0, 20, 0))
	f.now = at(1, 9, 0)

	batch := []SyncAction{taken("L1", d0.ID, at(0, 20, 10))}
	first := f.svc.Sync(context.Background(), "p1", batch)
	second := f.svc.Sync(context.Background(), "p1", batch)

	if first[0].Outcome != OutcomeApplied {
		t.Errorf("first = %+v", first[0])
	}
	if second[0].Outcome != OutcomeAlreadyApplied || second[0].Resolution != ResolutionReplay {
		t.Errorf("second = %+v", second[0])
	}
}

func TestSyncRefinesEarlierTakenAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := med("Metformin", 3, medication.PeriodNight)
	f.prescribe(t, "p1", m)
	d0 := f.eventAt(t, m.ID, at(0, 20, 0))

	f.now = at(0, 20, 20)
	if _, err := f.svc.MarkTaken(ctx, d0.ID, nil); err != nil {
		t.Fatal(err)
	}

	results := f.svc.Sync(ctx, "p1", []SyncAction{taken("L1", d0.ID, at(0, 20, 2))})
	r := results[0]
	if r.Outcome != OutcomeAlreadyApplied || r.Resolution != ResolutionClientEarlier {
		t.Fatalf("result = %+v", r)
	}
	stored, _ := f.svc.GetDose(ctx, d0.ID)
	if !stored.TakenAt.Equal(at(0, 20, 2)) || stored.Status != dose.StatusTakenOnTime {
		t.Errorf("stored = %+v", stored)
	}

	// a later client time leaves the record alone
	results = f.svc.Sync(ctx, "p1", []SyncAction{taken("L2", d0.ID, at(0, 20, 30))})
	if results[0].Resolution != "" {
		t.Errorf("later time resolution = %q", results[0].Resolution)
	}
}

func TestSyncRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := med("Mine", 3, medication.PeriodNight)
	theirs := med("Theirs", 3, medication.PeriodNight)
	f.prescribe(t, "p1", mine)
	f.prescribe(t, "p2", theirs)
	d2 := f.eventAt(t, mine.ID, at(2, 20, 0))
	other := f.eventAt(t, theirs.ID, at(0, 20, 0))
	f.now = at(4, 9, 0)

	results := f.svc.Sync(ctx, "p1", []SyncAction{
		taken("late", d2.ID, at(3, 21, 0)),
		taken("foreign", other.ID, at(0, 20, 5)),
		{LocalID: "bad-kind", DoseID: d2.ID, Kind: "EATEN", DeviceTimestamp: at(2, 20, 0)},
		{LocalID: "no-reason", DoseID: d2.ID, Kind: ActionSkipped, DeviceTimestamp: at(2, 20, 1)},
	})

	want := []Outcome{OutcomeRejected, OutcomeRejected, OutcomeConflict, OutcomeConflict}
	for i, w := range want {
		if results[i].Outcome != w {
			t.Errorf("%s = %+v, want %s", results[i].LocalID, results[i], w)
		}
	}
	if results[0].Reason != "beyond sync window" {
		t.Errorf("late reason = %q", results[0].Reason)
	}

	e, _ := f.svc.GetDose(ctx, d2.ID)
	if e.Status != dose.StatusDue {
		t.Errorf("rejected actions changed status to %s", e.Status)
	}
}
