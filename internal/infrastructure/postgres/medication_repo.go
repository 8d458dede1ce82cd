package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

const medicationColumns = `id, prescription_id, patient_id, name, morning, daytime, night,
	frequency, duration_days, prn, COALESCE(batch_id, ''), created_at, updated_at`

// MedicationRepo is the PostgreSQL medication.Repository
type MedicationRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewMedicationRepo creates a new repository
func NewMedicationRepo(pool *pgxpool.Pool, logger *zap.Logger) *MedicationRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRepo{pool: pool, logger: logger}
}

// SavePrescription implements medication.Repository
func (r *MedicationRepo) SavePrescription(ctx context.Context, p *medication.Prescription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, doctor_id, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET doctor_id = $3, name = $4
	`, p.ID, p.PatientID, p.DoctorID, p.Name, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save prescription: %w", err)
	}
	return nil
}

// GetPrescription implements medication.Repository
func (r *MedicationRepo) GetPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	p := &medication.Prescription{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, name, created_at FROM prescriptions WHERE id = $1
	`, id).Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, medication.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

// DeletePrescription implements medication.Repository. Medications and
// batches go with it through ON DELETE CASCADE.
func (r *MedicationRepo) DeletePrescription(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prescription %s: %w", id, medication.ErrNotFound)
	}
	return nil
}

func encodeDosage(d medication.OptionalDosage) ([]byte, error) {
	if !d.IsSome() {
		return nil, nil
	}
	return json.Marshal(d)
}

func decodeDosage(raw []byte) (medication.OptionalDosage, error) {
	var d medication.OptionalDosage
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

func scanMedication(row pgx.Row) (*medication.Medication, error) {
	m := &medication.Medication{}
	var morning, daytime, night []byte
	err := row.Scan(
		&m.ID, &m.PrescriptionID, &m.PatientID, &m.Name, &morning, &daytime, &night,
		&m.Frequency, &m.DurationDays, &m.PRN, &m.BatchID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for p, raw := range map[medication.Period][]byte{
		medication.PeriodMorning: morning,
		medication.PeriodDaytime: daytime,
		medication.PeriodNight:   night,
	} {
		d, err := decodeDosage(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s dosage: %w", p, err)
		}
		m.SetDosage(p, d)
	}
	return m, nil
}

// Get implements medication.Repository
func (r *MedicationRepo) Get(ctx context.Context, id string) (*medication.Medication, error) {
	m, err := scanMedication(r.pool.QueryRow(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("medication %s: %w", id, medication.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

// Save implements medication.Repository
func (r *MedicationRepo) Save(ctx context.Context, m *medication.Medication) error {
	var dosages [3][]byte
	for i, p := range medication.Periods {
		raw, err := encodeDosage(m.Dosage(p))
		if err != nil {
			return fmt.Errorf("encode %s dosage: %w", p, err)
		}
		dosages[i] = raw
	}

	var batchID *string
	if m.BatchID != "" {
		batchID = &m.BatchID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO medications
		(id, prescription_id, patient_id, name, morning, daytime, night,
		 frequency, duration_days, prn, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = $4, morning = $5, daytime = $6, night = $7, frequency = $8,
			duration_days = $9, prn = $10, batch_id = $11, updated_at = $13
	`, m.ID, m.PrescriptionID, m.PatientID, m.Name, dosages[0], dosages[1], dosages[2],
		m.Frequency, m.DurationDays, m.PRN, batchID, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save medication: %w", err)
	}
	return nil
}

// Delete implements medication.Repository
func (r *MedicationRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM medications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete medication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("medication %s: %w", id, medication.ErrNotFound)
	}
	return nil
}

func (r *MedicationRepo) list(ctx context.Context, column, value string) ([]*medication.Medication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+medicationColumns+` FROM medications
		WHERE `+column+` = $1
		ORDER BY created_at ASC, id ASC
	`, value)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	out := make([]*medication.Medication, 0)
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListByPrescription implements medication.Repository
func (r *MedicationRepo) ListByPrescription(ctx context.Context, prescriptionID string) ([]*medication.Medication, error) {
	return r.list(ctx, "prescription_id", prescriptionID)
}

// ListByBatch implements medication.Repository
func (r *MedicationRepo) ListByBatch(ctx context.Context, batchID string) ([]*medication.Medication, error) {
	return r.list(ctx, "batch_id", batchID)
}

// GetBatch implements medication.Repository
func (r *MedicationRepo) GetBatch(ctx context.Context, id string) (*medication.Batch, error) {
	b := &medication.Batch{}
	var scheduled string
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, name, scheduled_time, prescription_id, is_active, created_at, updated_at
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.PatientID, &b.Name, &scheduled, &b.PrescriptionID, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, medication.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if b.ScheduledTime, err = clock.Parse(scheduled); err != nil {
		return nil, fmt.Errorf("batch %s: %w", id, err)
	}
	return b, nil
}

// SaveBatch implements medication.Repository
func (r *MedicationRepo) SaveBatch(ctx context.Context, b *medication.Batch) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batches (id, patient_id, name, scheduled_time, prescription_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = $3, scheduled_time = $4, is_active = $6, updated_at = $8
	`, b.ID, b.PatientID, b.Name, b.ScheduledTime.String(), b.PrescriptionID, b.Active, b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}
