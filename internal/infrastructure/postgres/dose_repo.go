package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

const doseColumns = `id, prescription_id, medication_id, patient_id, scheduled_time, time_period,
	reminder_time, status, taken_at, skip_reason, was_offline, created_at, updated_at`

// DoseRepo is the PostgreSQL dose.Repository. Every write records its
// lifecycle events in the outbox within the same transaction.
type DoseRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewDoseRepo creates a new repository
func NewDoseRepo(pool *pgxpool.Pool, logger *zap.Logger) *DoseRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseRepo{pool: pool, logger: logger, now: time.Now}
}

func scanEvent(row pgx.Row) (*dose.Event, error) {
	e := &dose.Event{}
	err := row.Scan(
		&e.ID, &e.PrescriptionID, &e.MedicationID, &e.PatientID, &e.ScheduledTime,
		&e.TimePeriod, &e.ReminderTime, &e.Status, &e.TakenAt, &e.SkipReason,
		&e.WasOffline, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func collectEvents(rows pgx.Rows) ([]*dose.Event, error) {
	defer rows.Close()
	out := make([]*dose.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func writeEvents(ctx context.Context, tx pgx.Tx, events []*dose.LifecycleEvent) error {
	for _, ev := range events {
		if err := WriteLifecycleEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *DoseRepo) insertTx(ctx context.Context, tx pgx.Tx, events []*dose.Event) ([]*dose.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO dose_events
		(id, prescription_id, medication_id, patient_id, scheduled_time, time_period,
		 reminder_time, status, taken_at, skip_reason, was_offline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (medication_id, scheduled_time) DO NOTHING
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query,
			e.ID, e.PrescriptionID, e.MedicationID, e.PatientID, e.ScheduledTime.UTC(),
			e.TimePeriod, e.ReminderTime, e.Status, e.TakenAt, e.SkipReason,
			e.WasOffline, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
		)
	}

	results := tx.SendBatch(ctx, batch)
	var inserted []*dose.Event
	for _, e := range events {
		var id string
		err := results.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("insert dose event: %w", err)
		}
		inserted = append(inserted, e)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("insert dose events: %w", err)
	}
	return inserted, nil
}

// InsertBatch implements dose.Repository
func (r *DoseRepo) InsertBatch(ctx context.Context, events []*dose.Event) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := r.insertTx(ctx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := writeEvents(ctx, tx, dose.BulkEvents(dose.EventDosesScheduled, inserted, r.now())); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(inserted), nil
}

// Get implements dose.Repository
func (r *DoseRepo) Get(ctx context.Context, id string) (*dose.Event, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+doseColumns+` FROM dose_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dose.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dose event: %w", err)
	}
	return e, nil
}

// List implements dose.Repository
func (r *DoseRepo) List(ctx context.Context, f dose.Filter) ([]*dose.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.PrescriptionID != "" {
		add("prescription_id = $%d", f.PrescriptionID)
	}
	if f.MedicationID != "" {
		add("medication_id = $%d", f.MedicationID)
	}
	if !f.From.IsZero() {
		add("scheduled_time >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("scheduled_time < $%d", f.To.UTC())
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + doseColumns + ` FROM dose_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_time ASC, medication_id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dose events: %w", err)
	}
	return collectEvents(rows)
}

// ApplyTransition implements dose.Repository. The status guard in the
// UPDATE makes the first writer win.
func (r *DoseRepo) ApplyTransition(ctx context.Context, id string, t dose.Transition) (*dose.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE dose_events
		SET status = $2, taken_at = $3, skip_reason = $4, was_offline = $5, updated_at = $6
		WHERE id = $1 AND status = 'DUE'
		RETURNING ` + doseColumns

	var takenAt *time.Time
	if t.TakenAt != nil {
		at := t.TakenAt.UTC()
		takenAt = &at
	}
	e, err := scanEvent(tx.QueryRow(ctx, query, id, t.To, takenAt, t.SkipReason, t.Offline, t.At.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		var status dose.Status
		err := tx.QueryRow(ctx, `SELECT status FROM dose_events WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dose.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load dose status: %w", err)
		}
		return nil, fmt.Errorf("%w: dose %s is %s", dose.ErrConflict, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	if err := WriteLifecycleEvent(ctx, tx, dose.NewTransitionEvent(e)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// RefineTakenAt implements dose.Repository
func (r *DoseRepo) RefineTakenAt(ctx context.Context, id string, takenAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dose_events
		SET taken_at = $2, updated_at = $3
		WHERE id = $1
		  AND status IN ('TAKEN_ON_TIME', 'TAKEN_LATE')
		  AND taken_at > $2
	`, id, takenAt.UTC(), r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("refine taken at: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dose_events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check dose event: %w", err)
	}
	if !exists {
		return false, dose.ErrNotFound
	}
	return false, nil
}

// ReplaceFutureDue implements dose.Repository
func (r *DoseRepo) ReplaceFutureDue(ctx context.Context, medicationIDs []string, after time.Time, replacement []*dose.Event) (int, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM dose_events
		WHERE medication_id = ANY($1) AND status = 'DUE' AND scheduled_time > $2
		RETURNING `+doseColumns, medicationIDs, after.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("delete future doses: %w", err)
	}
	removed, err := collectEvents(rows)
	if err != nil {
		return 0, 0, err
	}

	inserted, err := r.insertTx(ctx, tx, replacement)
	if err != nil {
		return 0, 0, err
	}

	changed := append(removed, inserted...)
	if err := writeEvents(ctx, tx, dose.BulkEvents(dose.EventDosesRegenerated, changed, r.now())); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return len(removed), len(inserted), nil
}

func (r *DoseRepo) deleteWhere(ctx context.Context, column, value string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM dose_events WHERE `+column+` = $1 RETURNING `+doseColumns, value)
	if err != nil {
		return 0, fmt.Errorf("delete doses by %s: %w", column, err)
	}
	removed, err := collectEvents(rows)
	if err != nil {
		return 0, err
	}
	if err := writeEvents(ctx, tx, dose.BulkEvents(dose.EventDosesRemoved, removed, r.now())); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(removed), nil
}

// DeleteByMedication implements dose.Repository
func (r *DoseRepo) DeleteByMedication(ctx context.Context, medicationID string) (int, error) {
	return r.deleteWhere(ctx, "medication_id", medicationID)
}

// DeleteByPrescription implements dose.Repository
func (r *DoseRepo) DeleteByPrescription(ctx context.Context, prescriptionID string) (int, error) {
	return r.deleteWhere(ctx, "prescription_id", prescriptionID)
}

// ListOverdue implements dose.Repository
func (r *DoseRepo) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*dose.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+doseColumns+`
		FROM dose_events
		WHERE status = 'DUE' AND scheduled_time < $1
		ORDER BY scheduled_time ASC, medication_id ASC
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	return collectEvents(rows)
}
