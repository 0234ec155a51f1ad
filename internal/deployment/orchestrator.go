// Package deployment moves registered versions into production. It runs the
// rollout strategies, gates them on health checks, owns the traffic router
// and performs every production pointer change as a compare-and-swap.
package deployment

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// Config configures the orchestrator. DecisionSweepInterval is how often Run
// looks for persisted experiment outcomes that never reached the channel.
type Config struct {
	CanarySteps           []int         `json:"canary_steps" mapstructure:"canary_steps"`
	CanaryStepInterval    time.Duration `json:"canary_step_interval" mapstructure:"canary_step_interval"`
	CanaryMaxErrorRate    float64       `json:"canary_max_error_rate" mapstructure:"canary_max_error_rate"`
	CanaryMinRequests     int64         `json:"canary_min_requests" mapstructure:"canary_min_requests"`
	Health                HealthConfig  `json:"health" mapstructure:"health"`
	RequireApproval       bool          `json:"require_approval" mapstructure:"require_approval"`
	DefaultEnvironment    string        `json:"default_environment" mapstructure:"default_environment"`
	DecisionSweepInterval time.Duration `json:"decision_sweep_interval" mapstructure:"decision_sweep_interval"`
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() *Config {
	return &Config{
		CanarySteps:           append([]int(nil), constants.DefaultCanarySteps...),
		CanaryStepInterval:    constants.DefaultCanaryStepInterval,
		CanaryMaxErrorRate:    constants.DefaultCanaryMaxErrorRate,
		CanaryMinRequests:     constants.DefaultCanaryMinRequests,
		Health:                DefaultHealthConfig(),
		DefaultEnvironment:    constants.DefaultEnvironment,
		DecisionSweepInterval: constants.DefaultDecisionSweepInterval,
	}
}

// ExperimentRunner is the part of the experiment manager deployments use
type ExperimentRunner interface {
	CreateExperiment(ctx context.Context, championID, challengerID string, config models.ExperimentConfig) (*models.ABTestExperiment, error)
	Start(ctx context.Context, experimentID string) error
	Stop(ctx context.Context, experimentID, reason string) error
	AssignVariant(experimentID, subjectID string) (models.Variant, error)
	GetExperiment(ctx context.Context, experimentID string) (*models.ABTestExperiment, error)
	Decisions() <-chan models.ExperimentDecision
	ActiveVersionIDs() []string
}

// Dependencies are the collaborators an Orchestrator is built from
type Dependencies struct {
	Registry    *registry.Registry
	Store       interfaces.RecordStore
	Experiments ExperimentRunner
	Router      *Router
	Analyzer    CanaryAnalyzer
	Publisher   interfaces.EventPublisher
	Metrics     *metrics.PrometheusMetrics
}

// DeployRequest asks for one version to be rolled out
type DeployRequest struct {
	// DeploymentID is generated when empty
	DeploymentID      string                    `json:"deployment_id,omitempty"`
	VersionID         string                    `json:"version_id"`
	Strategy          models.DeploymentStrategy `json:"strategy"`
	TargetEnvironment string                    `json:"target_environment,omitempty"`
	DeployedBy        string                    `json:"deployed_by,omitempty"`
	Config            map[string]interface{}    `json:"config,omitempty"`
	Experiment        *models.ExperimentConfig  `json:"experiment,omitempty"`
}

type inFlight struct {
	versionID string
	cancel    context.CancelCauseFunc
}

// Orchestrator runs deployments and rollbacks
type Orchestrator struct {
	logger      *logrus.Logger
	config      *Config
	registry    *registry.Registry
	store       interfaces.RecordStore
	experiments ExperimentRunner
	router      *Router
	health      *HealthChecker
	analyzer    CanaryAnalyzer
	publisher   interfaces.EventPublisher
	metrics     *metrics.PrometheusMetrics
	tracer      trace.Tracer

	mu       sync.Mutex
	inFlight map[string]*inFlight

	recordsMu sync.Mutex
	records   map[string]*sync.Mutex

	now func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(config *Config, deps Dependencies, logger *logrus.Logger) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Registry == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "orchestrator requires a registry")
	}
	if deps.Store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "orchestrator requires a record store")
	}
	if err := ValidateCanarySteps(config.CanarySteps); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Router == nil {
		deps.Router = NewRouter()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = ErrorRateAnalyzer{MaxErrorRate: config.CanaryMaxErrorRate, MinRequests: config.CanaryMinRequests}
	}

	o := &Orchestrator{
		logger:      logger,
		config:      config,
		registry:    deps.Registry,
		store:       deps.Store,
		experiments: deps.Experiments,
		router:      deps.Router,
		analyzer:    deps.Analyzer,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("modelops/deployment"),
		inFlight:    make(map[string]*inFlight),
		records:     make(map[string]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
	}
	o.health = NewHealthChecker(config.Health, deps.Registry.Artifacts(), deps.Registry.Codec(), deps.Metrics, logger)
	return o, nil
}

// Router exposes the routing table for the serving path
func (o *Orchestrator) Router() *Router {
	return o.router
}

// Load points the router at the persisted production versions,
// re-attaches live experiments and shadows, and applies experiment outcomes
// that were decided but never acted on
func (o *Orchestrator) Load(ctx context.Context) error {
	for modelType, versionID := range o.registry.Pointers().Snapshot() {
		o.router.SetLive(modelType, versionID)
	}

	deployed, err := o.store.ListDeployments(ctx, models.DeploymentFilter{Status: models.DeploymentDeployed})
	if err != nil {
		return err
	}
	for _, d := range deployed {
		switch d.Strategy {
		case models.StrategyShadow:
			o.router.EnableShadow(d.ModelType, d.VersionID)
		case models.StrategyABTest:
			if o.experiments == nil || d.ExperimentID == "" {
				continue
			}
			exp, err := o.experiments.GetExperiment(ctx, d.ExperimentID)
			if err != nil || exp.Status != models.ExperimentRunning {
				continue
			}
			experimentID := d.ExperimentID
			o.router.AttachExperiment(d.ModelType, experimentID, d.VersionID, func(subjectID string) (models.Variant, error) {
				return o.experiments.AssignVariant(experimentID, subjectID)
			})
		}
	}
	o.SweepDecisions(ctx)
	return nil
}

// Deploy rolls a version out with the requested strategy. On failure the
// record is marked failed, the pointer is left untouched and the record is
// returned alongside the error.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*models.DeploymentRecord, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "deployment.deploy", trace.WithAttributes(
		attribute.String("version_id", req.VersionID),
		attribute.String("strategy", string(req.Strategy)),
	))
	defer span.End()

	if req.VersionID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "version id is required")
	}
	strat, err := o.strategyFor(req.Strategy)
	if err != nil {
		return nil, err
	}
	version, err := o.registry.GetVersion(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	if req.TargetEnvironment == "" {
		req.TargetEnvironment = o.config.DefaultEnvironment
	}
	if err := o.admit(version, req); err != nil {
		return nil, err
	}

	if req.DeploymentID == "" {
		req.DeploymentID = uuid.New().String()
	}

	now := o.now()
	record := &models.DeploymentRecord{
		DeploymentID:      req.DeploymentID,
		VersionID:         version.VersionID,
		ModelType:         version.ModelType,
		Strategy:          req.Strategy,
		TargetEnvironment: req.TargetEnvironment,
		Status:            models.DeploymentPending,
		DeployedBy:        req.DeployedBy,
		Configuration:     req.Config,
		PreviousVersionID: o.registry.Pointers().Get(version.ModelType),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.store.SaveDeployment(ctx, record); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("deployment_id", record.DeploymentID))

	logger := o.logger.WithFields(logrus.Fields{
		"deployment_id": record.DeploymentID,
		"version_id":    version.VersionID,
		"model_type":    version.ModelType,
		"strategy":      req.Strategy,
	})
	logger.Info("Starting deployment")

	runCtx, cancel := context.WithCancelCause(ctx)
	o.track(record.DeploymentID, version.VersionID, cancel)
	defer func() {
		o.untrack(record.DeploymentID)
		cancel(nil)
	}()

	r := &rollout{record: record, version: version, request: req}
	r.record.Status = models.DeploymentDeploying
	r.record.UpdatedAt = o.now()
	o.saveProgress(ctx, r)

	err = strat.deploy(runCtx, r)
	if err == nil && r.record.Status != models.DeploymentDeployed {
		err = o.markDeployed(ctx, r)
	}
	if err != nil {
		span.RecordError(err)
		strat.revert(r)
		o.markFailed(context.WithoutCancel(ctx), r, err)
		o.metrics.RecordDeployment(req.Strategy, models.DeploymentFailed, time.Since(started))
		logger.WithError(err).Error("Deployment failed")
		o.publish(ctx, &models.Event{
			Type:         models.EventDeploymentFailed,
			ModelType:    version.ModelType,
			VersionID:    version.VersionID,
			DeploymentID: record.DeploymentID,
			Payload:      map[string]interface{}{"reason": r.record.FailureReason},
		})
		return r.record.Clone(), err
	}

	o.metrics.RecordDeployment(req.Strategy, models.DeploymentDeployed, time.Since(started))
	logger.WithField("duration", time.Since(started).String()).Info("Deployment succeeded")
	o.publish(ctx, &models.Event{
		Type:         models.EventDeploymentSucceeded,
		ModelType:    version.ModelType,
		VersionID:    version.VersionID,
		DeploymentID: record.DeploymentID,
		Payload:      map[string]interface{}{"strategy": string(req.Strategy), "experiment_id": r.record.ExperimentID},
	})
	return r.record.Clone(), nil
}

// admit rejects versions that may not be deployed
func (o *Orchestrator) admit(v *models.ModelVersion, req DeployRequest) error {
	if v.Status == models.VersionStatusDeprecated {
		return errors.NewValidationError(errors.CodeVersionDeprecated, "deprecated versions cannot be deployed").
			WithContext("version_id", v.VersionID)
	}
	if o.config.RequireApproval && req.TargetEnvironment == constants.EnvProduction && v.ApprovalStatus != models.ApprovalApproved {
		return errors.NewValidationError(errors.CodeApprovalRequired, "version must be approved before production deployment").
			WithContext("version_id", v.VersionID).
			WithContext("approval_status", string(v.ApprovalStatus))
	}
	return nil
}

// healthCheck runs the checks and records the report on the deployment
func (o *Orchestrator) healthCheck(ctx context.Context, r *rollout) error {
	report, err := o.health.Check(ctx, r.version)
	r.record.HealthChecks = report
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return o.interrupted(ctx, ctx.Err())
	}
	return nil
}

// promote moves the pointer from the recorded previous version to the
// rollout's version. The deployed record and the version status changes are
// committed with the pointer; apply runs only after the commit.
func (o *Orchestrator) promote(ctx context.Context, r *rollout, apply func()) error {
	modelType := r.modelType()
	previous := r.record.PreviousVersionID

	deployed := r.record.Clone()
	now := o.now()
	deployed.Status = models.DeploymentDeployed
	deployed.CanRollback = true
	deployed.CompletedAt = &now
	deployed.UpdatedAt = now

	err := o.registry.MovePointer(ctx, registry.PointerMove{
		ModelType:  modelType,
		PreviousID: previous,
		NextID:     r.version.VersionID,
		Strategy:   r.record.Strategy,
		DemoteTo:   models.VersionStatusStaging,
		Deployment: deployed,
	})
	if err != nil {
		if errors.IsConflict(err) {
			o.metrics.RecordPointerConflict(modelType)
		}
		return err
	}

	r.record = deployed
	apply()
	o.pointerChanged(ctx, modelType, previous, r.version.VersionID, r.record.DeploymentID)
	return nil
}

func (o *Orchestrator) pointerChanged(ctx context.Context, modelType models.ModelType, previous, next, deploymentID string) {
	o.metrics.RecordPointerChange(modelType)
	o.logger.WithFields(logrus.Fields{
		"model_type":          modelType,
		"previous_version_id": previous,
		"version_id":          next,
		"deployment_id":       deploymentID,
	}).Info("Production pointer changed")
	o.publish(ctx, &models.Event{
		Type:         models.EventPointerChanged,
		ModelType:    modelType,
		VersionID:    next,
		DeploymentID: deploymentID,
		Payload:      map[string]interface{}{"previous_version_id": previous, "new_version_id": next},
	})
}

// interrupted turns a cancelled wait into the deployment error
func (o *Orchestrator) interrupted(ctx context.Context, err error) error {
	if stderrors.Is(context.Cause(ctx), errors.ErrDeploymentAborted) {
		return errors.NewConflictError(errors.CodeDeploymentAborted, "deployment aborted by operator").
			WithCause(errors.ErrDeploymentAborted)
	}
	return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeDeploymentAborted, "deployment interrupted")
}

func (o *Orchestrator) markDeployed(ctx context.Context, r *rollout) error {
	now := o.now()
	deployed := r.record.Clone()
	deployed.Status = models.DeploymentDeployed
	deployed.CanRollback = true
	deployed.CompletedAt = &now
	deployed.UpdatedAt = now
	if err := o.store.SaveDeployment(ctx, deployed); err != nil {
		return err
	}
	r.record = deployed
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, r *rollout, cause error) {
	now := o.now()
	r.record.Status = models.DeploymentFailed
	r.record.FailureReason = cause.Error()
	r.record.CanRollback = false
	r.record.CompletedAt = &now
	r.record.UpdatedAt = now

	var health *errors.HealthCheckError
	if stderrors.As(cause, &health) {
		r.record.Metadata = mergeMeta(r.record.Metadata, "failed_checks", health.FailedChecks())
	}
	if err := o.store.SaveDeployment(ctx, r.record); err != nil {
		o.logger.WithError(err).WithField("deployment_id", r.record.DeploymentID).Error("Failed to persist failed deployment")
	}
}

func (o *Orchestrator) saveProgress(ctx context.Context, r *rollout) {
	if err := o.store.SaveDeployment(ctx, r.record); err != nil {
		o.logger.WithError(err).WithField("deployment_id", r.record.DeploymentID).Warn("Failed to persist deployment progress")
	}
}

// Abort cancels an in-flight deployment. It reports whether one was running.
func (o *Orchestrator) Abort(deploymentID string) bool {
	o.mu.Lock()
	f, ok := o.inFlight[deploymentID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel(errors.ErrDeploymentAborted)
	o.logger.WithField("deployment_id", deploymentID).Warn("Deployment abort requested")
	return true
}

func (o *Orchestrator) track(deploymentID, versionID string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.inFlight[deploymentID] = &inFlight{versionID: versionID, cancel: cancel}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(deploymentID string) {
	o.mu.Lock()
	delete(o.inFlight, deploymentID)
	o.mu.Unlock()
}

// InFlightVersionIDs lists versions that artifact cleanup must keep
func (o *Orchestrator) InFlightVersionIDs(ctx context.Context) []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.inFlight))
	for _, f := range o.inFlight {
		ids = append(ids, f.versionID)
	}
	o.mu.Unlock()

	if o.experiments != nil {
		ids = append(ids, o.experiments.ActiveVersionIDs()...)
	}
	return ids
}

// recordLock serialises rollbacks and decisions touching one deployment
func (o *Orchestrator) recordLock(deploymentID string) *sync.Mutex {
	o.recordsMu.Lock()
	defer o.recordsMu.Unlock()
	l, ok := o.records[deploymentID]
	if !ok {
		l = &sync.Mutex{}
		o.records[deploymentID] = l
	}
	return l
}

// Rollback returns traffic and, where the deployment moved it, the
// production pointer to targetVersionID, or to the recorded previous version
// when no target is given. Failures leave the record rollback_failed.
func (o *Orchestrator) Rollback(ctx context.Context, deploymentID, reason, targetVersionID string) (*models.DeploymentRecord, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "deployment.rollback", trace.WithAttributes(attribute.String("deployment_id", deploymentID)))
	defer span.End()

	lock := o.recordLock(deploymentID)
	lock.Lock()
	defer lock.Unlock()

	record, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.DeploymentDeployed {
		return nil, errors.NewValidationError(errors.CodeInvalidTransition, "only deployed deployments can be rolled back").
			WithContext("deployment_id", deploymentID).
			WithContext("status", string(record.Status))
	}
	strat, err := o.strategyFor(record.Strategy)
	if err != nil {
		return nil, err
	}
	target := targetVersionID
	if target == "" {
		target = record.PreviousVersionID
	}
	if target == "" {
		return nil, errors.NewValidationError(errors.CodeNoRollbackTarget, "no previous version to roll back to").
			WithContext("deployment_id", deploymentID)
	}
	if target == record.VersionID {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "rollback target is the deployed version").
			WithContext("version_id", target)
	}
	if _, err := o.registry.GetVersion(ctx, target); err != nil {
		return nil, err
	}
	version, err := o.registry.GetVersion(ctx, record.VersionID)
	if err != nil {
		return nil, err
	}

	logger := o.logger.WithFields(logrus.Fields{
		"deployment_id":     deploymentID,
		"version_id":        record.VersionID,
		"target_version_id": target,
		"strategy":          record.Strategy,
	})

	now := o.now()
	rolledBack := record.Clone()
	rolledBack.Status = models.DeploymentRolledBack
	rolledBack.RollbackTimestamp = &now
	rolledBack.RollbackReason = reason
	rolledBack.RollbackTargetVersionID = target
	rolledBack.CanRollback = false
	rolledBack.UpdatedAt = now

	modelType := record.ModelType
	movesPointer := record.Strategy.MovesPointer() || o.registry.Pointers().Get(modelType) == record.VersionID

	if movesPointer {
		err = o.rollbackPointer(ctx, rolledBack, target)
	} else {
		err = o.rollbackRecord(ctx, rolledBack, reason)
	}
	if err != nil {
		span.RecordError(err)
		return o.rollbackFailed(context.WithoutCancel(ctx), record, reason, err)
	}

	strat.restore(ctx, &rollout{record: rolledBack, version: version}, target)

	o.metrics.RecordRollback(modelType, models.DeploymentRolledBack)
	logger.WithField("duration", time.Since(started).String()).Info("Rollback succeeded")
	o.publish(ctx, &models.Event{
		Type:         models.EventRollbackSucceeded,
		ModelType:    modelType,
		VersionID:    target,
		DeploymentID: deploymentID,
		Payload:      map[string]interface{}{"reason": reason, "rolled_back_version_id": record.VersionID},
	})
	return rolledBack, nil
}

// rollbackPointer swaps the pointer back and deprecates the rolled back version
func (o *Orchestrator) rollbackPointer(ctx context.Context, rolledBack *models.DeploymentRecord, target string) error {
	modelType := rolledBack.ModelType
	err := o.registry.MovePointer(ctx, registry.PointerMove{
		ModelType:  modelType,
		PreviousID: rolledBack.VersionID,
		NextID:     target,
		Strategy:   models.StrategyImmediate,
		DemoteTo:   models.VersionStatusDeprecated,
		Deployment: rolledBack,
	})
	if err != nil {
		if errors.IsConflict(err) {
			o.metrics.RecordPointerConflict(modelType)
		}
		return err
	}

	o.pointerChanged(ctx, modelType, rolledBack.VersionID, target, rolledBack.DeploymentID)
	return nil
}

// rollbackRecord handles strategies that never took the pointer
func (o *Orchestrator) rollbackRecord(ctx context.Context, rolledBack *models.DeploymentRecord, reason string) error {
	if err := o.store.SaveDeployment(ctx, rolledBack); err != nil {
		return err
	}
	return o.registry.Deprecate(ctx, rolledBack.VersionID, "rolled back: "+reason)
}

func (o *Orchestrator) rollbackFailed(ctx context.Context, record *models.DeploymentRecord, reason string, cause error) (*models.DeploymentRecord, error) {
	now := o.now()
	failed := record.Clone()
	failed.Status = models.DeploymentRollbackFailed
	failed.RollbackReason = reason
	failed.FailureReason = cause.Error()
	failed.UpdatedAt = now
	if err := o.store.SaveDeployment(ctx, failed); err != nil {
		o.logger.WithError(err).WithField("deployment_id", record.DeploymentID).Error("Failed to persist rollback failure")
	}

	o.metrics.RecordRollback(record.ModelType, models.DeploymentRollbackFailed)
	o.logger.WithError(cause).WithField("deployment_id", record.DeploymentID).Error("Rollback failed")
	o.publish(ctx, &models.Event{
		Type:         models.EventRollbackFailed,
		ModelType:    record.ModelType,
		VersionID:    record.VersionID,
		DeploymentID: record.DeploymentID,
		Payload:      map[string]interface{}{"reason": cause.Error()},
	})
	return failed, errors.NewRollbackError(record.DeploymentID, cause)
}

// experimentOutcomeKey marks a deployment whose experiment outcome was acted on
const experimentOutcomeKey = "experiment_decision"

// ApplyDecision acts on an experiment's final decision. Promote moves the
// pointer from champion to challenger; Reject removes challenger traffic.
func (o *Orchestrator) ApplyDecision(ctx context.Context, decision models.ExperimentDecision) (*models.DeploymentRecord, error) {
	record, err := o.deploymentForExperiment(ctx, decision)
	if err != nil {
		return nil, err
	}

	lock := o.recordLock(record.DeploymentID)
	lock.Lock()
	defer lock.Unlock()

	if record, err = o.store.GetDeployment(ctx, record.DeploymentID); err != nil {
		return nil, err
	}
	if record.Status != models.DeploymentDeployed {
		return nil, errors.NewValidationError(errors.CodeInvalidTransition, "deployment no longer active").
			WithContext("deployment_id", record.DeploymentID).
			WithContext("status", string(record.Status))
	}
	if _, done := record.Metadata[experimentOutcomeKey]; done {
		return record, nil
	}

	modelType := decision.ModelType
	updated := record.Clone()
	updated.UpdatedAt = o.now()
	updated.Metadata = mergeMeta(updated.Metadata, experimentOutcomeKey, string(decision.Decision))

	switch decision.Decision {
	case models.DecisionPromote:
		updated.Notes = append(updated.Notes, fmt.Sprintf("experiment promoted challenger (confidence %.2f)", decision.Confidence))
		err := o.registry.MovePointer(ctx, registry.PointerMove{
			ModelType:  modelType,
			PreviousID: decision.ChampionVersionID,
			NextID:     decision.ChallengerVersionID,
			Strategy:   models.StrategyABTest,
			DemoteTo:   models.VersionStatusStaging,
			Deployment: updated,
		})
		if err != nil {
			if errors.IsConflict(err) {
				o.metrics.RecordPointerConflict(modelType)
			}
			o.router.DetachExperiment(modelType, decision.ExperimentID)
			conflicted := record.Clone()
			conflicted.Notes = append(conflicted.Notes, "experiment promotion not applied: "+err.Error())
			conflicted.UpdatedAt = o.now()
			if errors.IsConflict(err) {
				conflicted.Metadata = mergeMeta(conflicted.Metadata, experimentOutcomeKey, "promote_conflict")
			}
			if saveErr := o.store.SaveDeployment(ctx, conflicted); saveErr != nil {
				o.logger.WithError(saveErr).WithField("deployment_id", record.DeploymentID).Warn("Failed to record promotion conflict")
			}
			return conflicted, err
		}
		o.router.DetachExperiment(modelType, decision.ExperimentID)
		o.router.SetLive(modelType, decision.ChallengerVersionID)
		o.pointerChanged(ctx, modelType, decision.ChampionVersionID, decision.ChallengerVersionID, record.DeploymentID)

	case models.DecisionReject:
		o.router.DetachExperiment(modelType, decision.ExperimentID)
		updated.Notes = append(updated.Notes, "experiment rejected challenger: "+decision.Reason)
		if err := o.store.SaveDeployment(ctx, updated); err != nil {
			return nil, err
		}

	default:
		return record, nil
	}

	o.logger.WithFields(logrus.Fields{
		"deployment_id": record.DeploymentID,
		"experiment_id": decision.ExperimentID,
		"decision":      decision.Decision,
	}).Info("Applied experiment decision")
	return updated, nil
}

func (o *Orchestrator) deploymentForExperiment(ctx context.Context, decision models.ExperimentDecision) (*models.DeploymentRecord, error) {
	records, err := o.store.ListDeployments(ctx, models.DeploymentFilter{
		ModelType: decision.ModelType,
		VersionID: decision.ChallengerVersionID,
	})
	if err != nil {
		return nil, err
	}
	for _, d := range records {
		if d.ExperimentID == decision.ExperimentID {
			return d, nil
		}
	}
	return nil, errors.NewNotFoundError("deployment for experiment", decision.ExperimentID)
}

// Run applies experiment decisions until ctx is cancelled. Decisions the
// channel dropped are picked up by a periodic sweep of the record store.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.experiments == nil {
		<-ctx.Done()
		return nil
	}
	interval := o.config.DecisionSweepInterval
	if interval <= 0 {
		interval = constants.DefaultDecisionSweepInterval
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	decisions := o.experiments.Decisions()
	o.logger.WithField("sweep_interval", interval.String()).Info("Started decision consumer")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Stopped decision consumer")
			return nil
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			if _, err := o.ApplyDecision(ctx, d); err != nil {
				o.logger.WithError(err).WithField("experiment_id", d.ExperimentID).Error("Failed to apply experiment decision")
			}
		case <-sweep.C:
			o.SweepDecisions(ctx)
		}
	}
}

// SweepDecisions settles a_b_test deployments whose experiment ended without
// the orchestrator acting on it. Completed experiments have their decision
// applied; stopped and failed ones lose their route. It returns how many
// deployments were settled.
func (o *Orchestrator) SweepDecisions(ctx context.Context) int {
	if o.experiments == nil {
		return 0
	}
	deployed, err := o.store.ListDeployments(ctx, models.DeploymentFilter{Status: models.DeploymentDeployed})
	if err != nil {
		o.logger.WithError(err).Warn("Decision sweep could not list deployments")
		return 0
	}

	settled := 0
	for _, d := range deployed {
		if d.Strategy != models.StrategyABTest || d.ExperimentID == "" {
			continue
		}
		if _, done := d.Metadata[experimentOutcomeKey]; done {
			continue
		}
		exp, err := o.experiments.GetExperiment(ctx, d.ExperimentID)
		if err != nil || !exp.Status.IsTerminal() {
			continue
		}

		logger := o.logger.WithFields(logrus.Fields{
			"deployment_id": d.DeploymentID,
			"experiment_id": d.ExperimentID,
			"status":        exp.Status,
		})
		if decision, ok := exp.DecisionRecord(); ok {
			if _, err := o.ApplyDecision(ctx, decision); err != nil {
				logger.WithError(err).Error("Failed to apply swept experiment decision")
				continue
			}
		} else if _, err := o.endExperiment(ctx, d.DeploymentID, exp); err != nil {
			logger.WithError(err).Error("Failed to detach ended experiment")
			continue
		}
		logger.Info("Settled experiment outcome")
		settled++
	}
	return settled
}

// StopExperiment stops a running experiment and removes its challenger
// traffic. The a_b_test deployment carrying it, if any, is returned with a
// note of the stop.
func (o *Orchestrator) StopExperiment(ctx context.Context, experimentID, reason string) (*models.DeploymentRecord, error) {
	if o.experiments == nil {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	if err := o.experiments.Stop(ctx, experimentID, reason); err != nil {
		return nil, err
	}
	exp, err := o.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	o.router.DetachExperiment(exp.ModelType, experimentID)

	record, err := o.deploymentForExperiment(ctx, models.ExperimentDecision{
		ExperimentID:        experimentID,
		ModelType:           exp.ModelType,
		ChallengerVersionID: exp.ChallengerVersionID,
	})
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o.endExperiment(ctx, record.DeploymentID, exp)
}

// endExperiment detaches an experiment that ended without a decision and
// notes the outcome on its deployment
func (o *Orchestrator) endExperiment(ctx context.Context, deploymentID string, exp *models.ABTestExperiment) (*models.DeploymentRecord, error) {
	lock := o.recordLock(deploymentID)
	lock.Lock()
	defer lock.Unlock()

	o.router.DetachExperiment(exp.ModelType, exp.ExperimentID)

	record, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.DeploymentDeployed {
		return record, nil
	}
	if _, done := record.Metadata[experimentOutcomeKey]; done {
		return record, nil
	}

	updated := record.Clone()
	updated.UpdatedAt = o.now()
	updated.Metadata = mergeMeta(updated.Metadata, experimentOutcomeKey, string(exp.Status))
	updated.Notes = append(updated.Notes, fmt.Sprintf("experiment %s: %s", exp.Status, exp.DecisionReason))
	if err := o.store.SaveDeployment(ctx, updated); err != nil {
		return nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"deployment_id": deploymentID,
		"experiment_id": exp.ExperimentID,
		"status":        exp.Status,
	}).Info("Removed challenger traffic of ended experiment")
	return updated, nil
}

// GetDeployment returns a deployment record
func (o *Orchestrator) GetDeployment(ctx context.Context, deploymentID string) (*models.DeploymentRecord, error) {
	return o.store.GetDeployment(ctx, deploymentID)
}

// ListDeployments returns deployment records matching filter, newest first
func (o *Orchestrator) ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.DeploymentRecord, error) {
	records, err := o.store.ListDeployments(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

func (o *Orchestrator) publish(ctx context.Context, event *models.Event) {
	if o.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}

func mergeMeta(meta map[string]interface{}, key string, value interface{}) map[string]interface{} {
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta[key] = value
	return meta
}
