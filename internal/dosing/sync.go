package dosing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// ActionKind is what the client recorded while offline
type ActionKind string

const (
	ActionTaken   ActionKind = "TAKEN"
	ActionSkipped ActionKind = "SKIPPED"
)

// SyncAction is one action recorded on a device while offline
type SyncAction struct {
	LocalID         string     `json:"localId"`
	DoseID          string     `json:"doseId"`
	Kind            ActionKind `json:"kind"`
	SkipReason      string     `json:"skipReason,omitempty"`
	TakenAt         *time.Time `json:"takenAt,omitempty"`
	DeviceTimestamp time.Time  `json:"deviceTimestamp"`
}

// at is the client time the action happened
func (a SyncAction) at() time.Time {
	if a.TakenAt != nil && !a.TakenAt.IsZero() {
		return a.TakenAt.UTC()
	}
	return a.DeviceTimestamp.UTC()
}

// Outcome is the per-action reconciliation result
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already-applied"
	OutcomeNotFound       Outcome = "not-found"
	OutcomeConflict       Outcome = "conflict"
	OutcomeRejected       Outcome = "rejected"
	// OutcomeFailed means storage failed; the client may resend the action
	OutcomeFailed Outcome = "failed"
)

// Resolutions attached to already-applied results
const (
	ResolutionClientEarlier = "client-earlier"
	ResolutionReplay        = "replay"
)

// SyncResult reports what happened to one action
type SyncResult struct {
	LocalID    string      `json:"localId"`
	DoseID     string      `json:"doseId"`
	Outcome    Outcome     `json:"outcome"`
	Status     dose.Status `json:"status,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
}

const syncHandler = "offline-sync"

// Sync reconciles a batch of offline actions for patientID. Actions are
// applied in device-timestamp order; results are returned in input order.
// The batch never fails as a whole.
func (s *Service) Sync(ctx context.Context, patientID string, actions []SyncAction) []SyncResult {
	ctx, span := s.tracer.Start(ctx, "offline_sync",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.Int("actions", len(actions)),
		))
	defer span.End()

	order := make([]int, len(actions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return actions[order[i]].DeviceTimestamp.Before(actions[order[j]].DeviceTimestamp)
	})

	results := make([]SyncResult, len(actions))
	applied := 0
	for _, idx := range order {
		r := s.reconcile(ctx, patientID, actions[idx])
		if r.Outcome == OutcomeApplied {
			applied++
		}
		s.metrics.ObserveSync(string(r.Outcome))
		results[idx] = r
	}

	span.SetAttributes(attribute.Int("applied", applied))
	s.logger.Info("offline sync reconciled",
		zap.String("patient_id", patientID),
		zap.Int("actions", len(actions)),
		zap.Int("applied", applied))
	return results
}

// reconcile routes a through the idempotency inbox when one is configured
func (s *Service) reconcile(ctx context.Context, patientID string, a SyncAction) SyncResult {
	if s.inbox == nil {
		return s.applyAction(ctx, patientID, a)
	}

	key := idempotency.GenerateKey(patientID, a.LocalID, a.DoseID)
	payload, err := json.Marshal(a)
	if err != nil {
		return SyncResult{LocalID: a.LocalID, DoseID: a.DoseID, Outcome: OutcomeConflict, Reason: err.Error()}
	}

	res, err := s.inbox.Process(ctx, key, syncHandler, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		r := s.applyAction(ctx, patientID, a)
		if r.Outcome == OutcomeFailed {
			return nil, errors.New(r.Reason)
		}
		return json.Marshal(r)
	})
	if err != nil {
		r := SyncResult{LocalID: a.LocalID, DoseID: a.DoseID, Outcome: OutcomeFailed, Reason: err.Error()}
		if errors.Is(err, idempotency.ErrMessageInProgress) || errors.Is(err, idempotency.ErrDuplicateMessage) {
			r.Outcome = OutcomeConflict
			r.Reason = "action is being processed"
		}
		return r
	}

	var r SyncResult
	if err := json.Unmarshal(res.Result, &r); err != nil {
		return SyncResult{LocalID: a.LocalID, DoseID: a.DoseID, Outcome: OutcomeFailed, Reason: fmt.Sprintf("decode recorded result: %v", err)}
	}
	if !res.IsNew && !res.WasRecovered && r.Outcome == OutcomeApplied {
		r.Outcome = OutcomeAlreadyApplied
		r.Resolution = ResolutionReplay
	}
	return r
}

func (s *Service) applyAction(ctx context.Context, patientID string, a SyncAction) SyncResult {
	r := SyncResult{LocalID: a.LocalID, DoseID: a.DoseID}

	if a.Kind != ActionTaken && a.Kind != ActionSkipped {
		r.Outcome, r.Reason = OutcomeConflict, fmt.Sprintf("unknown action kind %q", a.Kind)
		return r
	}
	at := a.at()
	if at.IsZero() {
		r.Outcome, r.Reason = OutcomeConflict, "action time is required"
		return r
	}

	e, err := s.doses.Get(ctx, a.DoseID)
	if err != nil {
		if errors.Is(err, dose.ErrNotFound) {
			r.Outcome = OutcomeNotFound
			return r
		}
		r.Outcome, r.Reason = OutcomeFailed, err.Error()
		return r
	}
	if e.PatientID != patientID {
		r.Outcome, r.Reason = OutcomeRejected, "dose belongs to another patient"
		return r
	}

	if e.Status.IsTerminal() {
		r.Outcome, r.Status = OutcomeAlreadyApplied, e.Status
		if a.Kind == ActionTaken && e.Status.IsTaken() && e.TakenAt != nil && at.Before(*e.TakenAt) {
			refined, err := s.doses.RefineTakenAt(ctx, e.ID, at)
			if err != nil {
				s.logger.Warn("takenAt refinement failed", zap.String("dose_id", e.ID), zap.Error(err))
			} else if refined {
				r.Resolution = ResolutionClientEarlier
				s.invalidate(ctx, e.PatientID)
			}
		}
		return r
	}

	if limit := s.config.SyncMaxLateness; limit > 0 && at.Sub(e.ScheduledTime) > limit {
		r.Outcome, r.Reason = OutcomeRejected, "beyond sync window"
		return r
	}

	var t dose.Transition
	now := s.now().UTC()
	if a.Kind == ActionTaken {
		t, err = e.Take(at, now, s.resolver.GracePeriod(ctx, e.PatientID), true)
	} else {
		t, err = e.Skip(a.SkipReason, now, true)
	}
	if err != nil {
		r.Outcome, r.Reason = OutcomeConflict, err.Error()
		return r
	}

	stored, err := s.apply(ctx, e, t, "offline")
	switch {
	case err == nil:
		r.Outcome, r.Status = OutcomeApplied, stored.Status
	case errors.Is(err, dose.ErrConflict):
		r.Outcome, r.Reason = OutcomeConflict, "dose was resolved concurrently"
	case errors.Is(err, dose.ErrNotFound):
		r.Outcome = OutcomeNotFound
	default:
		r.Outcome, r.Reason = OutcomeFailed, err.Error()
	}
	return r
}
