package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// MedicationRepo is an in-memory medication.Repository
type MedicationRepo struct {
	mu            sync.RWMutex
	prescriptions map[string]medication.Prescription
	medications   map[string]medication.Medication
	batches       map[string]medication.Batch
}

// NewMedicationRepo creates an empty repository
func NewMedicationRepo() *MedicationRepo {
	return &MedicationRepo{
		prescriptions: make(map[string]medication.Prescription),
		medications:   make(map[string]medication.Medication),
		batches:       make(map[string]medication.Batch),
	}
}

func (r *MedicationRepo) SavePrescription(ctx context.Context, p *medication.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prescriptions[p.ID] = *p
	return nil
}

func (r *MedicationRepo) GetPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return &p, nil
}

func (r *MedicationRepo) DeletePrescription(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prescriptions[id]; !ok {
		return medication.ErrNotFound
	}
	delete(r.prescriptions, id)
	for mid, m := range r.medications {
		if m.PrescriptionID == id {
			delete(r.medications, mid)
		}
	}
	for bid, b := range r.batches {
		if b.PrescriptionID == id {
			delete(r.batches, bid)
		}
	}
	return nil
}

func (r *MedicationRepo) Get(ctx context.Context, id string) (*medication.Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.medications[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return &m, nil
}

func (r *MedicationRepo) Save(ctx context.Context, m *medication.Medication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.medications[m.ID] = *m
	return nil
}

func (r *MedicationRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.medications[id]; !ok {
		return medication.ErrNotFound
	}
	delete(r.medications, id)
	return nil
}

func (r *MedicationRepo) ListByPrescription(ctx context.Context, prescriptionID string) ([]*medication.Medication, error) {
	return r.list(func(m medication.Medication) bool { return m.PrescriptionID == prescriptionID }), nil
}

func (r *MedicationRepo) ListByBatch(ctx context.Context, batchID string) ([]*medication.Medication, error) {
	return r.list(func(m medication.Medication) bool { return m.BatchID == batchID }), nil
}

func (r *MedicationRepo) list(match func(medication.Medication) bool) []*medication.Medication {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*medication.Medication, 0)
	for _, m := range r.medications {
		if match(m) {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *MedicationRepo) GetBatch(ctx context.Context, id string) (*medication.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return &b, nil
}

func (r *MedicationRepo) SaveBatch(ctx context.Context, b *medication.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = *b
	return nil
}
