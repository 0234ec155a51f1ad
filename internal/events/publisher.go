// Package events delivers lifecycle notifications (pointer moves, deployment
// outcomes, experiment decisions) to subscribers.
package events

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

var (
	_ interfaces.EventPublisher = (*LogPublisher)(nil)
	_ interfaces.EventPublisher = (*RedisPublisher)(nil)
	_ interfaces.EventPublisher = Fanout(nil)
)

// LogPublisher writes every event to the structured log
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event *models.Event) error {
	if event == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fields := logrus.Fields{"event": string(event.Type)}
	if event.ModelType != "" {
		fields["model_type"] = event.ModelType
	}
	if event.VersionID != "" {
		fields["version_id"] = event.VersionID
	}
	if event.DeploymentID != "" {
		fields["deployment_id"] = event.DeploymentID
	}
	if event.ExperimentID != "" {
		fields["experiment_id"] = event.ExperimentID
	}
	for k, v := range event.Payload {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	p.logger.WithFields(fields).Info("Lifecycle event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Fanout publishes to every member and joins their errors
type Fanout []interfaces.EventPublisher

func (f Fanout) Publish(ctx context.Context, event *models.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
