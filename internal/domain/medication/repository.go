package medication

import "context"

// Repository persists prescriptions, medications and batches
type Repository interface {
	SavePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id string) (*Prescription, error)
	// DeletePrescription removes the prescription with its medications and batches
	DeletePrescription(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*Medication, error)
	// Save inserts or replaces a medication
	Save(ctx context.Context, m *Medication) error
	Delete(ctx context.Context, id string) error
	ListByPrescription(ctx context.Context, prescriptionID string) ([]*Medication, error)
	ListByBatch(ctx context.Context, batchID string) ([]*Medication, error)

	GetBatch(ctx context.Context, id string) (*Batch, error)
	SaveBatch(ctx context.Context, b *Batch) error
}
