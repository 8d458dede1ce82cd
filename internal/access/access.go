// Package access decides whether an actor may act on a patient's dose data.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Role is the kind of actor making a request
type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleDoctor    Role = "doctor"
	RoleSystem    Role = "system"
)

// ParseRole maps a header value to a Role
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleCaregiver, RoleDoctor, RoleSystem:
		return r, true
	}
	return "", false
}

// Level is a connection's permission level. Levels are ordered.
type Level int

const (
	LevelNotAllowed Level = iota
	LevelRequest
	LevelSelected
	LevelAllowed
)

var levelNames = map[Level]string{
	LevelNotAllowed: "NOT_ALLOWED",
	LevelRequest:    "REQUEST",
	LevelSelected:   "SELECTED",
	LevelAllowed:    "ALLOWED",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel parses the stored level name
func ParseLevel(s string) (Level, error) {
	for l, n := range levelNames {
		if strings.EqualFold(n, s) {
			return l, nil
		}
	}
	return LevelNotAllowed, fmt.Errorf("unknown permission level %q", s)
}

// Action is something an actor wants to do
type Action string

const (
	ActionViewDoses        Action = "view_doses"
	ActionViewAdherence    Action = "view_adherence"
	ActionRecordDose       Action = "record_dose"
	ActionManageMedication Action = "manage_medication"
	ActionMarkMissed       Action = "mark_missed"
)

// Required returns the minimum connection level for a non-owner to perform a
func (a Action) Required() Level {
	switch a {
	case ActionViewDoses, ActionViewAdherence:
		return LevelSelected
	default:
		return LevelAllowed
	}
}

// Reason explains a denial
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnknownRole       Reason = "unknown_role"
	ReasonNotOwner          Reason = "not_owner"
	ReasonNoConnection      Reason = "no_connection"
	ReasonConnectionPending Reason = "connection_not_accepted"
	ReasonInsufficientLevel Reason = "insufficient_level"
	ReasonRoleNotPermitted  Reason = "role_not_permitted"
	ReasonSystemOnly        Reason = "system_only"
)

// ErrForbidden wraps every denied decision
var ErrForbidden = errors.New("forbidden")

// Actor is the caller identity
type Actor struct {
	ID   string
	Role Role
}

// System is the actor used by background jobs
var System = Actor{ID: "system", Role: RoleSystem}

// Decision is the outcome of a capability check
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Err returns nil for an allowed decision and a wrapped ErrForbidden otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// ConnectionStatus is the lifecycle state of a caregiver/doctor link
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "PENDING"
	ConnectionAccepted ConnectionStatus = "ACCEPTED"
	ConnectionRevoked  ConnectionStatus = "REVOKED"
)

// Connection links a caregiver or doctor to a patient
type Connection struct {
	ActorID       string
	PatientID     string
	Status        ConnectionStatus
	Level         Level
	AlertsEnabled bool
}

// ConnectionSource loads connections. It returns nil, nil when none exists.
type ConnectionSource interface {
	GetConnection(ctx context.Context, actorID, patientID string) (*Connection, error)
}

// Evaluate applies the capability rules to an already-loaded connection
func Evaluate(actor Actor, patientID string, action Action, conn *Connection) Decision {
	if actor.Role == RoleSystem {
		if action == ActionMarkMissed {
			return allow()
		}
		return deny(ReasonRoleNotPermitted)
	}
	if action == ActionMarkMissed {
		return deny(ReasonSystemOnly)
	}

	switch actor.Role {
	case RolePatient:
		if actor.ID != "" && actor.ID == patientID {
			return allow()
		}
		return deny(ReasonNotOwner)
	case RoleCaregiver, RoleDoctor:
	default:
		return deny(ReasonUnknownRole)
	}

	if action == ActionManageMedication && actor.Role != RoleDoctor {
		return deny(ReasonRoleNotPermitted)
	}
	if conn == nil {
		return deny(ReasonNoConnection)
	}
	if conn.Status != ConnectionAccepted {
		return deny(ReasonConnectionPending)
	}
	if conn.Level < action.Required() {
		return deny(ReasonInsufficientLevel)
	}
	return allow()
}

// Checker looks up connections and evaluates capabilities
type Checker struct {
	source ConnectionSource
	logger *zap.Logger
}

// NewChecker creates a new checker. A nil source denies every non-owner request.
func NewChecker(source ConnectionSource, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{source: source, logger: logger}
}

// Check decides whether actor may perform action on patientID's data
func (c *Checker) Check(ctx context.Context, actor Actor, patientID string, action Action) (Decision, error) {
	var conn *Connection
	if c.source != nil && (actor.Role == RoleCaregiver || actor.Role == RoleDoctor) {
		var err error
		conn, err = c.source.GetConnection(ctx, actor.ID, patientID)
		if err != nil {
			return Decision{}, fmt.Errorf("load connection: %w", err)
		}
	}

	d := Evaluate(actor, patientID, action, conn)
	if !d.Allowed {
		c.logger.Debug("access denied",
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)),
			zap.String("patient_id", patientID),
			zap.String("action", string(action)),
			zap.String("reason", string(d.Reason)))
	}
	return d, nil
}
