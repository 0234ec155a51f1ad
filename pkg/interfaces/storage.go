package interfaces

import (
	"context"
	"io"

	"github.com/inferloop/modelops/pkg/models"
)

// RecordStore persists version, experiment and deployment records and the
// production pointer map
type RecordStore interface {
	// SaveVersion inserts or replaces a version record
	SaveVersion(ctx context.Context, v *models.ModelVersion) error

	// GetVersion returns a version by id or a not-found error
	GetVersion(ctx context.Context, id string) (*models.ModelVersion, error)

	// ListVersions returns versions matching filter, newest first
	ListVersions(ctx context.Context, filter models.VersionFilter) ([]*models.ModelVersion, error)

	// SaveExperiment inserts or replaces an experiment record
	SaveExperiment(ctx context.Context, e *models.ABTestExperiment) error

	// GetExperiment returns an experiment by id or a not-found error
	GetExperiment(ctx context.Context, id string) (*models.ABTestExperiment, error)

	// ListExperiments returns experiments matching filter
	ListExperiments(ctx context.Context, filter models.ExperimentFilter) ([]*models.ABTestExperiment, error)

	// SaveDeployment inserts or replaces a deployment record
	SaveDeployment(ctx context.Context, d *models.DeploymentRecord) error

	// GetDeployment returns a deployment by id or a not-found error
	GetDeployment(ctx context.Context, id string) (*models.DeploymentRecord, error)

	// ListDeployments returns deployments matching filter, newest first
	ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.DeploymentRecord, error)

	// CommitPromotion writes the pointer change together with the records in
	// one transaction. It fails with a conflict error when the stored pointer
	// does not equal commit.PreviousVersionID.
	CommitPromotion(ctx context.Context, commit *models.PromotionCommit) error

	// LoadPointers returns the persisted production pointer map
	LoadPointers(ctx context.Context) (map[models.ModelType]string, error)

	// Close releases the underlying connection
	Close() error
}

// ArtifactStore persists serialized model bytes
type ArtifactStore interface {
	// Store writes the artifact once for versionID and returns its location and hash
	Store(ctx context.Context, versionID string, artifact io.Reader, metadata map[string]interface{}) (*models.ArtifactInfo, error)

	// Load opens the artifact and returns it with its metadata sidecar
	Load(ctx context.Context, versionID string) (io.ReadCloser, map[string]interface{}, error)

	// Hash recomputes the SHA-256 of the stored artifact
	Hash(ctx context.Context, versionID string) (string, error)

	// Backup copies the version's artifact and metadata into the backup area
	Backup(ctx context.Context, versionID string) (string, error)

	// CleanupOlderThan backs up then removes versions older than the window
	// for which skip returns false
	CleanupOlderThan(ctx context.Context, retentionDays int, skip func(versionID string) bool) (int, error)

	// Backend names the implementation
	Backend() string
}
