package memory

import (
	"context"
	"sync"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// PreferenceRepo is an in-memory schedule.PreferenceSource
type PreferenceRepo struct {
	mu    sync.RWMutex
	prefs map[string]schedule.StoredPreferences
}

// NewPreferenceRepo creates an empty repository
func NewPreferenceRepo() *PreferenceRepo {
	return &PreferenceRepo{prefs: make(map[string]schedule.StoredPreferences)}
}

// SavePreferences stores p, replacing any previous record
func (r *PreferenceRepo) SavePreferences(ctx context.Context, p schedule.StoredPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[p.PatientID] = p
	return nil
}

func (r *PreferenceRepo) GetPreferences(ctx context.Context, patientID string) (*schedule.StoredPreferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prefs[patientID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ConnectionRepo is an in-memory access.ConnectionSource
type ConnectionRepo struct {
	mu    sync.RWMutex
	conns map[string]access.Connection
}

// NewConnectionRepo creates an empty repository
func NewConnectionRepo() *ConnectionRepo {
	return &ConnectionRepo{conns: make(map[string]access.Connection)}
}

// SaveConnection stores c keyed by actor and patient
func (r *ConnectionRepo) SaveConnection(ctx context.Context, c access.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ActorID+"/"+c.PatientID] = c
	return nil
}

func (r *ConnectionRepo) GetConnection(ctx context.Context, actorID, patientID string) (*access.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[actorID+"/"+patientID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
