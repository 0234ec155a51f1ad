package artifacts

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
)

// Config selects and configures an artifact backend
type Config struct {
	Backend  string   `json:"backend" mapstructure:"backend"`
	BasePath string   `json:"base_path" mapstructure:"base_path"`
	S3       S3Config `json:"s3" mapstructure:"s3"`
}

// NewStore creates the artifact backend named by config
func NewStore(ctx context.Context, config Config, logger *logrus.Logger) (interfaces.ArtifactStore, error) {
	switch config.Backend {
	case "", constants.ArtifactBackendLocal:
		base := config.BasePath
		if base == "" {
			base = constants.DefaultArtifactBasePath
		}
		return NewLocalStore(base, logger)
	case constants.ArtifactBackendS3:
		s3cfg := config.S3
		store, err := NewS3Store(&s3cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidConfig,
			fmt.Sprintf("unsupported artifact backend: %s", config.Backend))
	}
}
