package interfaces

import (
	"github.com/inferloop/modelops/pkg/models"
)

// ServingStats summarises live traffic handled by one version
type ServingStats struct {
	Requests int64   `json:"requests"`
	Errors   int64   `json:"errors"`
	Latency  float64 `json:"avg_latency_ms"`
}

// ErrorRate returns errors per request, 0 without traffic
func (s ServingStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests)
}

// TrafficRouter is the single routing authority per model type
type TrafficRouter interface {
	// SetLive makes versionID the live version of the active slot
	SetLive(modelType models.ModelType, versionID string)

	// Live returns the version currently serving the active slot
	Live(modelType models.ModelType) string

	// StageIdle loads versionID into the idle blue/green slot and returns the slot name
	StageIdle(modelType models.ModelType, versionID string) string

	// SwitchSlots flips live and idle slots and returns the version now live
	SwitchSlots(modelType models.ModelType) string

	// SetCanary routes percent of traffic to versionID; 0 clears the canary
	SetCanary(modelType models.ModelType, versionID string, percent int)

	// EnableShadow mirrors live input to versionID without serving its output
	EnableShadow(modelType models.ModelType, versionID string)

	// DisableShadow stops mirroring to versionID
	DisableShadow(modelType models.ModelType, versionID string)

	// AttachExperiment routes subjects through the experiment's variant assignment
	AttachExperiment(modelType models.ModelType, experimentID, challengerID string, assign func(subjectID string) (models.Variant, error))

	// DetachExperiment removes experiment routing
	DetachExperiment(modelType models.ModelType, experimentID string)

	// ServingStats returns traffic counters for versionID
	ServingStats(modelType models.ModelType, versionID string) ServingStats
}
