package models

import "time"

// EventType names a lifecycle event published to subscribers
type EventType string

const (
	EventVersionRegistered   EventType = "version.registered"
	EventVersionApproved     EventType = "version.approved"
	EventVersionRejected     EventType = "version.rejected"
	EventVersionDeprecated   EventType = "version.deprecated"
	EventPointerChanged      EventType = "pointer.changed"
	EventDeploymentSucceeded EventType = "deployment.succeeded"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventRollbackSucceeded   EventType = "rollback.succeeded"
	EventRollbackFailed      EventType = "rollback.failed"
	EventExperimentStarted   EventType = "experiment.started"
	EventExperimentDecided   EventType = "experiment.decided"
	EventExperimentStopped   EventType = "experiment.stopped"
)

// Event is a lifecycle notification
type Event struct {
	Type         EventType              `json:"type"`
	ModelType    ModelType              `json:"model_type,omitempty"`
	VersionID    string                 `json:"version_id,omitempty"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	ExperimentID string                 `json:"experiment_id,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
