package interfaces

import (
	"context"

	"github.com/inferloop/modelops/pkg/models"
)

// EventPublisher fans lifecycle events out to subscribers
type EventPublisher interface {
	Publish(ctx context.Context, event *models.Event) error
	Close() error
}

// SnapshotSink receives every experiment evaluation snapshot
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, experiment *models.ABTestExperiment, snapshot models.ExperimentSnapshot) error
	Close() error
}
