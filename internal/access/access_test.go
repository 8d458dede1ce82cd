package access

import (
	"context"
	"errors"
	"testing"
)

type stubSource map[string]*Connection

func (s stubSource) GetConnection(ctx context.Context, actorID, patientID string) (*Connection, error) {
	return s[actorID+"/"+patientID], nil
}

type failingSource struct{}

func (failingSource) GetConnection(ctx context.Context, actorID, patientID string) (*Connection, error) {
	return nil, errors.New("db down")
}

func TestEvaluate(t *testing.T) {
	accepted := func(l Level) *Connection {
		return &Connection{ActorID: "c1", PatientID: "p1", Status: ConnectionAccepted, Level: l}
	}

	tests := []struct {
		name   string
		actor  Actor
		action Action
		conn   *Connection
		want   Decision
	}{
		{"patient owns data", Actor{"p1", RolePatient}, ActionRecordDose, nil, Decision{Allowed: true}},
		{"patient other data", Actor{"p2", RolePatient}, ActionViewDoses, nil, Decision{Reason: ReasonNotOwner}},
		{"patient cannot mark missed", Actor{"p1", RolePatient}, ActionMarkMissed, nil, Decision{Reason: ReasonSystemOnly}},
		{"system marks missed", System, ActionMarkMissed, nil, Decision{Allowed: true}},
		{"system cannot record", System, ActionRecordDose, nil, Decision{Reason: ReasonRoleNotPermitted}},
		{"caregiver no connection", Actor{"c1", RoleCaregiver}, ActionViewDoses, nil, Decision{Reason: ReasonNoConnection}},
		{"caregiver pending", Actor{"c1", RoleCaregiver}, ActionViewDoses,
			&Connection{Status: ConnectionPending, Level: LevelAllowed}, Decision{Reason: ReasonConnectionPending}},
		{"caregiver selected views", Actor{"c1", RoleCaregiver}, ActionViewAdherence, accepted(LevelSelected), Decision{Allowed: true}},
		{"caregiver request cannot view", Actor{"c1", RoleCaregiver}, ActionViewDoses, accepted(LevelRequest), Decision{Reason: ReasonInsufficientLevel}},
		{"caregiver selected cannot record", Actor{"c1", RoleCaregiver}, ActionRecordDose, accepted(LevelSelected), Decision{Reason: ReasonInsufficientLevel}},
		{"caregiver allowed records", Actor{"c1", RoleCaregiver}, ActionRecordDose, accepted(LevelAllowed), Decision{Allowed: true}},
		{"caregiver cannot manage", Actor{"c1", RoleCaregiver}, ActionManageMedication, accepted(LevelAllowed), Decision{Reason: ReasonRoleNotPermitted}},
		{"doctor manages", Actor{"d1", RoleDoctor}, ActionManageMedication, accepted(LevelAllowed), Decision{Allowed: true}},
		{"unknown role", Actor{"x", Role("nurse")}, ActionViewDoses, nil, Decision{Reason: ReasonUnknownRole}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.actor, "p1", tt.action, tt.conn)
			if got != tt.want {
				t.Errorf("Evaluate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCheckerLoadsConnection(t *testing.T) {
	src := stubSource{"c1/p1": {ActorID: "c1", PatientID: "p1", Status: ConnectionAccepted, Level: LevelAllowed}}
	checker := NewChecker(src, nil)

	d, err := checker.Check(context.Background(), Actor{"c1", RoleCaregiver}, "p1", ActionRecordDose)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected allow, got %+v", d)
	}

	d, _ = checker.Check(context.Background(), Actor{"c1", RoleCaregiver}, "p2", ActionRecordDose)
	if d.Allowed || d.Reason != ReasonNoConnection {
		t.Errorf("got %+v, want no_connection", d)
	}
}

func TestCheckerSourceError(t *testing.T) {
	checker := NewChecker(failingSource{}, nil)
	if _, err := checker.Check(context.Background(), Actor{"c1", RoleCaregiver}, "p1", ActionViewDoses); err == nil {
		t.Fatal("expected error from failing source")
	}
	// owners never need a lookup
	d, err := checker.Check(context.Background(), Actor{"p1", RolePatient}, "p1", ActionViewDoses)
	if err != nil || !d.Allowed {
		t.Errorf("owner check = %+v, %v", d, err)
	}
}

func TestDecisionErr(t *testing.T) {
	if (Decision{Allowed: true}).Err() != nil {
		t.Error("allowed decision should have nil error")
	}
	if err := (Decision{Reason: ReasonNotOwner}).Err(); !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}
}

func TestLevelOrderingAndParse(t *testing.T) {
	if !(LevelNotAllowed < LevelRequest && LevelRequest < LevelSelected && LevelSelected < LevelAllowed) {
		t.Fatal("levels out of order")
	}
	l, err := ParseLevel("selected")
	if err != nil || l != LevelSelected {
		t.Errorf("ParseLevel = %v, %v", l, err)
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Error("expected error for unknown level")
	}
	if r, ok := ParseRole(" Doctor "); !ok || r != RoleDoctor {
		t.Errorf("ParseRole = %q, %v", r, ok)
	}
}
