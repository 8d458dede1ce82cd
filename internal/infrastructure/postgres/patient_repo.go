package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// PreferenceRepo stores patient meal times and grace periods
type PreferenceRepo struct {
	pool *pgxpool.Pool
}

// NewPreferenceRepo creates a new repository
func NewPreferenceRepo(pool *pgxpool.Pool) *PreferenceRepo {
	return &PreferenceRepo{pool: pool}
}

// SavePreferences upserts the patient's preference record
func (r *PreferenceRepo) SavePreferences(ctx context.Context, p schedule.StoredPreferences) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_preferences (patient_id, morning_meal, afternoon_meal, night_meal, grace_period_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO UPDATE SET
			morning_meal = $2, afternoon_meal = $3, night_meal = $4,
			grace_period_minutes = $5, updated_at = NOW()
	`, p.PatientID, p.MorningMeal, p.AfternoonMeal, p.NightMeal, p.GracePeriodMinutes)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// GetPreferences implements schedule.PreferenceSource
func (r *PreferenceRepo) GetPreferences(ctx context.Context, patientID string) (*schedule.StoredPreferences, error) {
	p := &schedule.StoredPreferences{}
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id, morning_meal, afternoon_meal, night_meal, grace_period_minutes
		FROM patient_preferences WHERE patient_id = $1
	`, patientID).Scan(&p.PatientID, &p.MorningMeal, &p.AfternoonMeal, &p.NightMeal, &p.GracePeriodMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// ConnectionRepo stores caregiver and doctor connections
type ConnectionRepo struct {
	pool *pgxpool.Pool
}

// NewConnectionRepo creates a new repository
func NewConnectionRepo(pool *pgxpool.Pool) *ConnectionRepo {
	return &ConnectionRepo{pool: pool}
}

// SaveConnection upserts c
func (r *ConnectionRepo) SaveConnection(ctx context.Context, c access.Connection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connections (actor_id, patient_id, status, access_level, alerts_enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, patient_id) DO UPDATE SET
			status = $3, access_level = $4, alerts_enabled = $5, updated_at = NOW()
	`, c.ActorID, c.PatientID, string(c.Status), c.Level.String(), c.AlertsEnabled)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

// GetConnection implements access.ConnectionSource
func (r *ConnectionRepo) GetConnection(ctx context.Context, actorID, patientID string) (*access.Connection, error) {
	c := &access.Connection{}
	var status, level string
	err := r.pool.QueryRow(ctx, `
		SELECT actor_id, patient_id, status, access_level, alerts_enabled
		FROM connections WHERE actor_id = $1 AND patient_id = $2
	`, actorID, patientID).Scan(&c.ActorID, &c.PatientID, &status, &level, &c.AlertsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	c.Status = access.ConnectionStatus(status)
	if c.Level, err = access.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("connection %s/%s: %w", actorID, patientID, err)
	}
	return c, nil
}
