package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// MemoryStore is a process-local RecordStore. Every method hands out copies.
type MemoryStore struct {
	mu          sync.RWMutex
	versions    map[string]*models.ModelVersion
	experiments map[string]*models.ABTestExperiment
	deployments map[string]*models.DeploymentRecord
	pointers    map[models.ModelType]string
	closed      bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:    make(map[string]*models.ModelVersion),
		experiments: make(map[string]*models.ABTestExperiment),
		deployments: make(map[string]*models.DeploymentRecord),
		pointers:    make(map[models.ModelType]string),
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return errors.NewStorageError("NOT_CONNECTED", "record store closed")
	}
	return nil
}

// SaveVersion inserts or replaces a version record
func (m *MemoryStore) SaveVersion(ctx context.Context, v *models.ModelVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.versions[v.VersionID] = v.Clone()
	return nil
}

// GetVersion returns a version by id
func (m *MemoryStore) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	v, ok := m.versions[id]
	if !ok {
		return nil, errors.NewNotFoundError("version", id)
	}
	return v.Clone(), nil
}

// ListVersions returns versions matching filter, newest first
func (m *MemoryStore) ListVersions(ctx context.Context, filter models.VersionFilter) ([]*models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*models.ModelVersion
	for _, v := range m.versions {
		if filter.Matches(v) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].VersionID > out[j].VersionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveExperiment inserts or replaces an experiment record
func (m *MemoryStore) SaveExperiment(ctx context.Context, e *models.ABTestExperiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.experiments[e.ExperimentID] = e.Clone()
	return nil
}

// GetExperiment returns an experiment by id
func (m *MemoryStore) GetExperiment(ctx context.Context, id string) (*models.ABTestExperiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := m.experiments[id]
	if !ok {
		return nil, errors.NewNotFoundError("experiment", id)
	}
	return e.Clone(), nil
}

// ListExperiments returns experiments matching filter, newest first
func (m *MemoryStore) ListExperiments(ctx context.Context, filter models.ExperimentFilter) ([]*models.ABTestExperiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*models.ABTestExperiment
	for _, e := range m.experiments {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SaveDeployment inserts or replaces a deployment record
func (m *MemoryStore) SaveDeployment(ctx context.Context, d *models.DeploymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.deployments[d.DeploymentID] = d.Clone()
	return nil
}

// GetDeployment returns a deployment by id
func (m *MemoryStore) GetDeployment(ctx context.Context, id string) (*models.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	d, ok := m.deployments[id]
	if !ok {
		return nil, errors.NewNotFoundError("deployment", id)
	}
	return d.Clone(), nil
}

// ListDeployments returns deployments matching filter, newest first
func (m *MemoryStore) ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*models.DeploymentRecord
	for _, d := range m.deployments {
		if filter.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DeploymentID > out[j].DeploymentID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CommitPromotion applies the pointer move and records under one lock
func (m *MemoryStore) CommitPromotion(ctx context.Context, commit *models.PromotionCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	current := m.pointers[commit.ModelType]
	if current != commit.PreviousVersionID {
		return errors.NewConflictError(errors.CodePointerConflict,
			fmt.Sprintf("production pointer for %s is %q, expected %q", commit.ModelType, current, commit.PreviousVersionID)).
			WithCause(errors.ErrPointerConflict)
	}

	if commit.NewVersionID == "" {
		delete(m.pointers, commit.ModelType)
	} else {
		m.pointers[commit.ModelType] = commit.NewVersionID
	}
	for _, v := range commit.Versions {
		m.versions[v.VersionID] = v.Clone()
	}
	if commit.Deployment != nil {
		m.deployments[commit.Deployment.DeploymentID] = commit.Deployment.Clone()
	}
	if commit.Experiment != nil {
		m.experiments[commit.Experiment.ExperimentID] = commit.Experiment.Clone()
	}
	return nil
}

// LoadPointers returns a copy of the pointer map
func (m *MemoryStore) LoadPointers(ctx context.Context) (map[models.ModelType]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[models.ModelType]string, len(m.pointers))
	for k, v := range m.pointers {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.NewStorageError("NOT_CONNECTED", "record store closed")
	}
	return nil
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
