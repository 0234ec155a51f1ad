package models

import (
	"time"
)

// DeploymentStrategy is the closed set of rollout strategies
type DeploymentStrategy string

const (
	StrategyImmediate DeploymentStrategy = "immediate"
	StrategyBlueGreen DeploymentStrategy = "blue_green"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyABTest    DeploymentStrategy = "a_b_test"
	StrategyShadow    DeploymentStrategy = "shadow"
)

// AllStrategies lists every supported strategy
var AllStrategies = []DeploymentStrategy{
	StrategyImmediate,
	StrategyBlueGreen,
	StrategyCanary,
	StrategyABTest,
	StrategyShadow,
}

// ParseStrategy maps a user-supplied name onto a strategy
func ParseStrategy(s string) (DeploymentStrategy, bool) {
	switch DeploymentStrategy(s) {
	case StrategyImmediate, StrategyBlueGreen, StrategyCanary, StrategyABTest, StrategyShadow:
		return DeploymentStrategy(s), true
	case "ab_test", "a/b_test":
		return StrategyABTest, true
	}
	return "", false
}

// MovesPointer reports whether a successful deployment swaps the production pointer
func (s DeploymentStrategy) MovesPointer() bool {
	return s == StrategyImmediate || s == StrategyBlueGreen || s == StrategyCanary
}

// DeploymentStatus is the lifecycle state of a deployment record
type DeploymentStatus string

const (
	DeploymentPending        DeploymentStatus = "pending"
	DeploymentDeploying      DeploymentStatus = "deploying"
	DeploymentDeployed       DeploymentStatus = "deployed"
	DeploymentFailed         DeploymentStatus = "failed"
	DeploymentRolledBack     DeploymentStatus = "rolled_back"
	DeploymentRollbackFailed DeploymentStatus = "rollback_failed"
)

// IsActive reports whether the deployment still holds traffic
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentPending || s == DeploymentDeploying || s == DeploymentDeployed
}

// Health check names
const (
	CheckModelLoading          = "model_loading"
	CheckArtifactIntegrity     = "artifact_integrity"
	CheckPredictionCapability  = "prediction_capability"
	CheckPerformanceThresholds = "performance_thresholds"
)

// HealthCheckResult is the outcome of one pre-deployment check
type HealthCheckResult struct {
	Check    string        `json:"check"`
	Passed   bool          `json:"passed"`
	Reason   string        `json:"reason,omitempty"`
	Metric   string        `json:"metric,omitempty"`
	Expected interface{}   `json:"expected,omitempty"`
	Actual   interface{}   `json:"actual,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthReport aggregates the checks run against a version
type HealthReport struct {
	VersionID string                       `json:"version_id"`
	Passed    bool                         `json:"passed"`
	Checks    map[string]bool              `json:"checks"`
	Results   map[string]HealthCheckResult `json:"results"`
	CheckedAt time.Time                    `json:"checked_at"`
}

// FailedChecks returns the names of failed checks
func (r *HealthReport) FailedChecks() []string {
	var failed []string
	for _, name := range []string{CheckModelLoading, CheckArtifactIntegrity, CheckPredictionCapability, CheckPerformanceThresholds} {
		if ok, ran := r.Checks[name]; ran && !ok {
			failed = append(failed, name)
		}
	}
	return failed
}

// CanaryStep is one completed traffic increment
type CanaryStep struct {
	Percentage int       `json:"percentage"`
	StartedAt  time.Time `json:"started_at"`
	Passed     bool      `json:"passed"`
	ErrorRate  float64   `json:"error_rate"`
	Requests   int64     `json:"requests"`
	Note       string    `json:"note,omitempty"`
}

// DeploymentRecord is the audit entry of one deployment attempt
type DeploymentRecord struct {
	DeploymentID      string                 `json:"deployment_id"`
	VersionID         string                 `json:"version_id"`
	ModelType         ModelType              `json:"model_type"`
	Strategy          DeploymentStrategy     `json:"strategy"`
	TargetEnvironment string                 `json:"target_environment"`
	Status            DeploymentStatus       `json:"status"`
	DeployedBy        string                 `json:"deployed_by,omitempty"`
	Configuration     map[string]interface{} `json:"configuration,omitempty"`

	HealthChecks   *HealthReport `json:"health_checks,omitempty"`
	CanaryProgress []CanaryStep  `json:"canary_progress,omitempty"`
	ExperimentID   string        `json:"experiment_id,omitempty"`

	PreviousVersionID       string     `json:"previous_version_id,omitempty"`
	CanRollback             bool       `json:"can_rollback"`
	RollbackTimestamp       *time.Time `json:"rollback_timestamp,omitempty"`
	RollbackReason          string     `json:"rollback_reason,omitempty"`
	RollbackTargetVersionID string     `json:"rollback_target_version_id,omitempty"`

	FailureReason string                 `json:"failure_reason,omitempty"`
	Notes         []string               `json:"notes,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (d *DeploymentRecord) Clone() *DeploymentRecord {
	if d == nil {
		return nil
	}
	c := *d
	c.Configuration = cloneAnyMap(d.Configuration)
	if d.HealthChecks != nil {
		hc := *d.HealthChecks
		hc.Checks = make(map[string]bool, len(d.HealthChecks.Checks))
		for k, v := range d.HealthChecks.Checks {
			hc.Checks[k] = v
		}
		hc.Results = make(map[string]HealthCheckResult, len(d.HealthChecks.Results))
		for k, v := range d.HealthChecks.Results {
			hc.Results[k] = v
		}
		c.HealthChecks = &hc
	}
	c.CanaryProgress = append([]CanaryStep(nil), d.CanaryProgress...)
	c.Notes = append([]string(nil), d.Notes...)
	c.Metadata = cloneAnyMap(d.Metadata)
	c.RollbackTimestamp = cloneTime(d.RollbackTimestamp)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}

// DeploymentFilter narrows ListDeployments
type DeploymentFilter struct {
	ModelType ModelType        `json:"model_type,omitempty"`
	VersionID string           `json:"version_id,omitempty"`
	Status    DeploymentStatus `json:"status,omitempty"`
}

// Matches reports whether d passes the filter
func (f DeploymentFilter) Matches(d *DeploymentRecord) bool {
	if f.ModelType != "" && d.ModelType != f.ModelType {
		return false
	}
	if f.VersionID != "" && d.VersionID != f.VersionID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// PromotionCommit is the unit a record store persists atomically when the
// production pointer moves: the deployment record, the pointer write and the
// version status changes that accompany it.
type PromotionCommit struct {
	ModelType ModelType `json:"model_type"`
	// PreviousVersionID is the pointer value the commit expects to replace ("" when empty).
	PreviousVersionID string `json:"previous_version_id"`
	// NewVersionID is the new pointer value; "" clears the slot.
	NewVersionID string            `json:"new_version_id"`
	Deployment   *DeploymentRecord `json:"deployment,omitempty"`
	Versions     []*ModelVersion   `json:"versions,omitempty"`
	Experiment   *ABTestExperiment `json:"experiment,omitempty"`
}
