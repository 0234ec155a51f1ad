package models

import (
	"time"
)

// ModelType identifies the production slot a version competes for
type ModelType string

const (
	ModelTypeLeadScoring      ModelType = "lead_scoring"
	ModelTypeChurnPrediction  ModelType = "churn_prediction"
	ModelTypeLifetimeValue    ModelType = "lifetime_value"
	ModelTypeNextBestAction   ModelType = "next_best_action"
	ModelTypeCustomerSegments ModelType = "customer_segmentation"
)

// VersionStatus is the lifecycle status of a registered version
type VersionStatus string

const (
	VersionStatusStaging    VersionStatus = "staging"
	VersionStatusProduction VersionStatus = "production"
	VersionStatusDeprecated VersionStatus = "deprecated"
)

// ApprovalStatus tracks the human review of a version
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Compliance checks recorded on every version at registration
const (
	ComplianceArtifactHashed      = "artifact_hashed"
	ComplianceTrainingDataTracked = "training_data_tracked"
	ComplianceFeatureSchema       = "feature_schema_declared"
	ComplianceMetricsReported     = "metrics_reported"
)

// ModelMetrics holds the offline evaluation metrics produced by training
type ModelMetrics struct {
	Accuracy        float64            `json:"accuracy"`
	Precision       float64            `json:"precision"`
	Recall          float64            `json:"recall"`
	F1Score         float64            `json:"f1_score"`
	AUCScore        float64            `json:"auc_score"`
	LogLoss         float64            `json:"log_loss"`
	TrainingSamples int                `json:"training_samples"`
	FeatureCount    int                `json:"feature_count"`
	Custom          map[string]float64 `json:"custom,omitempty"`
}

// AsMap flattens the metrics into name -> value, custom entries included
func (m ModelMetrics) AsMap() map[string]float64 {
	out := map[string]float64{
		"accuracy":         m.Accuracy,
		"precision":        m.Precision,
		"recall":           m.Recall,
		"f1_score":         m.F1Score,
		"auc_score":        m.AUCScore,
		"log_loss":         m.LogLoss,
		"training_samples": float64(m.TrainingSamples),
		"feature_count":    float64(m.FeatureCount),
	}
	for k, v := range m.Custom {
		out[k] = v
	}
	return out
}

// TrainingConfig captures how a version was trained and the floors it must meet
type TrainingConfig struct {
	Algorithm        string                 `json:"algorithm,omitempty"`
	FeatureColumns   []string               `json:"feature_columns,omitempty"`
	TargetColumn     string                 `json:"target_column,omitempty"`
	Hyperparameters  map[string]interface{} `json:"hyperparameters,omitempty"`
	MinimumAccuracy  float64                `json:"minimum_accuracy,omitempty"`
	MinimumPrecision float64                `json:"minimum_precision,omitempty"`
	MinimumRecall    float64                `json:"minimum_recall,omitempty"`
}

// ModelVersion is one registered, immutable build of a model
type ModelVersion struct {
	VersionID       string    `json:"version_id"`
	ModelName       string    `json:"model_name"`
	SemanticVersion string    `json:"semantic_version"`
	ModelType       ModelType `json:"model_type"`
	ArtifactPath    string    `json:"artifact_path"`
	ArtifactHash    string    `json:"artifact_hash"`
	ArtifactSizeMB  float64   `json:"artifact_size_mb"`

	PerformanceMetrics ModelMetrics   `json:"performance_metrics"`
	TrainingConfig     TrainingConfig `json:"training_config"`
	TrainingDataHash   string         `json:"training_data_hash"`
	TrainingJobID      string         `json:"training_job_id,omitempty"`
	ParentVersionID    string         `json:"parent_version_id,omitempty"`

	FeatureSchema map[string]string `json:"feature_schema"`
	Dependencies  map[string]string `json:"dependencies,omitempty"`

	Status            VersionStatus   `json:"status"`
	ApprovalStatus    ApprovalStatus  `json:"approval_status"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	ApprovalTimestamp *time.Time      `json:"approval_timestamp,omitempty"`
	ApprovalNotes     string          `json:"approval_notes,omitempty"`
	ComplianceChecks  map[string]bool `json:"compliance_checks,omitempty"`

	DeploymentStrategy  DeploymentStrategy `json:"deployment_strategy,omitempty"`
	DeploymentTimestamp *time.Time         `json:"deployment_timestamp,omitempty"`

	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked section
func (v *ModelVersion) Clone() *ModelVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.PerformanceMetrics.Custom = cloneFloatMap(v.PerformanceMetrics.Custom)
	c.TrainingConfig.FeatureColumns = append([]string(nil), v.TrainingConfig.FeatureColumns...)
	c.TrainingConfig.Hyperparameters = cloneAnyMap(v.TrainingConfig.Hyperparameters)
	c.FeatureSchema = cloneStringMap(v.FeatureSchema)
	c.Dependencies = cloneStringMap(v.Dependencies)
	c.Tags = append([]string(nil), v.Tags...)
	c.Metadata = cloneAnyMap(v.Metadata)
	if v.ComplianceChecks != nil {
		c.ComplianceChecks = make(map[string]bool, len(v.ComplianceChecks))
		for k, b := range v.ComplianceChecks {
			c.ComplianceChecks[k] = b
		}
	}
	c.ApprovalTimestamp = cloneTime(v.ApprovalTimestamp)
	c.DeploymentTimestamp = cloneTime(v.DeploymentTimestamp)
	c.DeprecatedAt = cloneTime(v.DeprecatedAt)
	return &c
}

// VersionFilter narrows ListVersions; empty fields match everything
type VersionFilter struct {
	ModelName string        `json:"model_name,omitempty"`
	ModelType ModelType     `json:"model_type,omitempty"`
	Status    VersionStatus `json:"status,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// Matches reports whether v passes the filter
func (f VersionFilter) Matches(v *ModelVersion) bool {
	if f.ModelName != "" && v.ModelName != f.ModelName {
		return false
	}
	if f.ModelType != "" && v.ModelType != f.ModelType {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	return true
}

// ArtifactInfo is what the artifact store reports after a write
type ArtifactInfo struct {
	Path   string  `json:"path"`
	Hash   string  `json:"hash"`
	SizeMB float64 `json:"size_mb"`
}

// MetricDelta is one metric compared across two versions
type MetricDelta struct {
	VersionA float64 `json:"version_a"`
	VersionB float64 `json:"version_b"`
	Delta    float64 `json:"delta"`
}

// VersionComparison is the side-by-side of two versions
type VersionComparison struct {
	VersionA         string                    `json:"version_a"`
	VersionB         string                    `json:"version_b"`
	SemanticA        string                    `json:"semantic_a"`
	SemanticB        string                    `json:"semantic_b"`
	Compatible       bool                      `json:"compatible"`
	MetricDeltas     map[string]MetricDelta    `json:"metric_deltas"`
	MetadataChanges  map[string][2]interface{} `json:"metadata_changes"`
	SizeDeltaMB      float64                   `json:"size_delta_mb"`
	SameTrainingData bool                      `json:"same_training_data"`
}

// RegistrySummary aggregates catalogue counters
type RegistrySummary struct {
	TotalVersions      int                   `json:"total_versions"`
	ByStatus           map[VersionStatus]int `json:"by_status"`
	ByModelType        map[ModelType]int     `json:"by_model_type"`
	ProductionVersions map[ModelType]string  `json:"production_versions"`
	PendingApprovals   int                   `json:"pending_approvals"`
	RunningExperiments int                   `json:"running_experiments"`
	ActiveDeployments  int                   `json:"active_deployments"`
	GeneratedAt        time.Time             `json:"generated_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
