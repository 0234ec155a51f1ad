package deployment

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/internal/artifacts"
	"github.com/inferloop/modelops/internal/experiments"
	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/predictor"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/internal/semver"
	"github.com/inferloop/modelops/internal/storage"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	store        *storage.MemoryStore
	artifacts    *artifacts.LocalStore
	registry     *registry.Registry
	experiments  *experiments.Manager
	orchestrator *Orchestrator
}

func newFixture(t *testing.T, configure func(*Config, *Dependencies)) *fixture {
	t.Helper()
	logger := testLogger()

	store := storage.NewMemoryStore()
	local, err := artifacts.NewLocalStore(t.TempDir(), logger)
	require.NoError(t, err)
	m, err := metrics.NewPrometheusMetrics(nil, logger)
	require.NoError(t, err)

	reg, err := registry.NewRegistry(nil, registry.Dependencies{
		Store:     store,
		Artifacts: local,
		Codec:     predictor.NewJSONCodec(),
		Metrics:   m,
	}, logger)
	require.NoError(t, err)

	exps, err := experiments.NewManager(nil, experiments.Dependencies{
		Store:    store,
		Versions: reg,
		Metrics:  m,
	}, logger)
	require.NoError(t, err)

	config := DefaultConfig()
	config.CanaryStepInterval = time.Millisecond
	config.Health.Timeout = 5 * time.Second
	deps := Dependencies{
		Registry:    reg,
		Store:       store,
		Experiments: exps,
		Metrics:     m,
	}
	if configure != nil {
		configure(config, &deps)
	}

	o, err := NewOrchestrator(config, deps, logger)
	require.NoError(t, err)
	reg.SetInFlightProvider(o.InFlightVersionIDs)

	return &fixture{store: store, artifacts: local, registry: reg, experiments: exps, orchestrator: o}
}

func leadModel(t *testing.T) *predictor.LinearModel {
	t.Helper()
	m, err := predictor.NewLinearModel("lead", []string{"visits", "opens"},
		map[string]float64{"visits": 0.4, "opens": 0.2}, -1, predictor.LinkLogistic)
	require.NoError(t, err)
	return m
}

func (f *fixture) registerWith(t *testing.T, accuracy float64, parent string, kind semver.IncrementKind, training models.TrainingConfig) *models.ModelVersion {
	t.Helper()
	v, err := f.registry.RegisterVersion(context.Background(), registry.RegisterRequest{
		Predictor:       leadModel(t),
		ModelName:       "lead-scorer",
		ModelType:       models.ModelTypeLeadScoring,
		Metrics:         models.ModelMetrics{Accuracy: accuracy, Precision: 0.7, Recall: 0.65},
		TrainingConfig:  training,
		ParentVersionID: parent,
		Increment:       kind,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) register(t *testing.T) *models.ModelVersion {
	return f.registerWith(t, 0.82, "", "", models.TrainingConfig{})
}

func (f *fixture) deploy(t *testing.T, versionID string, strategy models.DeploymentStrategy) *models.DeploymentRecord {
	t.Helper()
	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: versionID, Strategy: strategy, DeployedBy: "ci"})
	require.NoError(t, err)
	require.Equal(t, models.DeploymentDeployed, record.Status)
	return record
}

func (f *fixture) pointer() string {
	return f.registry.Pointers().Get(models.ModelTypeLeadScoring)
}

func (f *fixture) storedPointer(t *testing.T) string {
	t.Helper()
	pointers, err := f.store.LoadPointers(context.Background())
	require.NoError(t, err)
	return pointers[models.ModelTypeLeadScoring]
}

func (f *fixture) status(t *testing.T, versionID string) models.VersionStatus {
	t.Helper()
	v, err := f.registry.GetVersion(context.Background(), versionID)
	require.NoError(t, err)
	return v.Status
}

func TestImmediateDeployMovesPointer(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)

	record := f.deploy(t, v1.VersionID, models.StrategyImmediate)

	assert.Equal(t, v1.VersionID, f.pointer())
	assert.Equal(t, v1.VersionID, f.storedPointer(t))
	assert.Equal(t, models.VersionStatusProduction, f.status(t, v1.VersionID))
	assert.Equal(t, v1.VersionID, f.orchestrator.Router().Live(models.ModelTypeLeadScoring))
	assert.Empty(t, record.PreviousVersionID)
	assert.True(t, record.CanRollback)
	require.NotNil(t, record.HealthChecks)
	assert.True(t, record.HealthChecks.Passed)
	assert.Len(t, record.HealthChecks.Checks, 4)

	stored, err := f.orchestrator.GetDeployment(context.Background(), record.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentDeployed, stored.Status)
}

func TestCorruptedArtifactFailsImmediateDeploy(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)

	v2 := f.register(t)
	require.NoError(t, os.WriteFile(f.artifacts.ArtifactPath(v2.VersionID), []byte("corrupted"), 0o644))

	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v2.VersionID, Strategy: models.StrategyImmediate})
	require.Error(t, err)
	assert.True(t, errors.IsHealthCheck(err))

	var health *errors.HealthCheckError
	require.True(t, stderrors.As(err, &health))
	assert.True(t, health.Has(models.CheckArtifactIntegrity))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeHashMismatch, appErr.Code)

	require.NotNil(t, record)
	assert.Equal(t, models.DeploymentFailed, record.Status)
	assert.NotEmpty(t, record.FailureReason)
	assert.False(t, record.HealthChecks.Checks[models.CheckArtifactIntegrity])

	assert.Equal(t, v1.VersionID, f.pointer())
	assert.Equal(t, v1.VersionID, f.storedPointer(t))
	assert.Equal(t, models.VersionStatusStaging, f.status(t, v2.VersionID))

	stored, err := f.store.GetDeployment(context.Background(), record.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentFailed, stored.Status)
}

func TestPerformanceFloorsUseStricterTrainingConfig(t *testing.T) {
	f := newFixture(t, nil)
	v := f.registerWith(t, 0.85, "", "", models.TrainingConfig{MinimumAccuracy: 0.9})

	_, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v.VersionID, Strategy: models.StrategyImmediate})
	require.Error(t, err)

	var health *errors.HealthCheckError
	require.True(t, stderrors.As(err, &health))
	assert.Equal(t, []string{models.CheckPerformanceThresholds}, health.FailedChecks())
	assert.Equal(t, "accuracy", health.Failures[0].Metric)
	assert.Equal(t, 0.9, health.Failures[0].Expected)
	assert.Equal(t, 0.85, health.Failures[0].Actual)
	assert.Empty(t, f.pointer())
}

func TestDeployRejectsDeprecatedAndUnapproved(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) { c.RequireApproval = true })
	ctx := context.Background()
	v := f.register(t)

	_, err := f.orchestrator.Deploy(ctx, DeployRequest{VersionID: v.VersionID, Strategy: models.StrategyImmediate})
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeApprovalRequired, appErr.Code)

	_, err = f.orchestrator.Deploy(ctx, DeployRequest{VersionID: v.VersionID, Strategy: models.StrategyImmediate, TargetEnvironment: "staging"})
	require.NoError(t, err)

	deprecated := f.register(t)
	require.NoError(t, f.registry.Deprecate(ctx, deprecated.VersionID, "superseded"))
	_, err = f.orchestrator.Deploy(ctx, DeployRequest{VersionID: deprecated.VersionID, Strategy: models.StrategyImmediate, TargetEnvironment: "staging"})
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeVersionDeprecated, appErr.Code)

	_, err = f.orchestrator.Deploy(ctx, DeployRequest{VersionID: v.VersionID, Strategy: "big_bang"})
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeUnsupportedStrategy, appErr.Code)
}

func TestSingleProductionHolderUnderConcurrentDeploys(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)

	candidates := []*models.ModelVersion{f.register(t), f.register(t), f.register(t), f.register(t)}

	var wg sync.WaitGroup
	errs := make([]error, len(candidates))
	for i, v := range candidates {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: id, Strategy: models.StrategyImmediate})
		}(i, v.VersionID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.IsConflict(err), "unexpected error: %v", err)
		assert.ErrorIs(t, err, errors.ErrPointerConflict)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	production, err := f.registry.ListVersions(context.Background(), models.VersionFilter{Status: models.VersionStatusProduction})
	require.NoError(t, err)
	require.Len(t, production, 1)
	assert.Equal(t, production[0].VersionID, f.pointer())
	assert.Equal(t, f.pointer(), f.storedPointer(t))
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	d2 := f.deploy(t, v2.VersionID, models.StrategyImmediate)
	assert.Equal(t, models.VersionStatusStaging, f.status(t, v1.VersionID))

	record, err := f.orchestrator.Rollback(ctx, d2.DeploymentID, "error spike", "")
	require.NoError(t, err)

	assert.Equal(t, models.DeploymentRolledBack, record.Status)
	assert.Equal(t, "error spike", record.RollbackReason)
	assert.Equal(t, v1.VersionID, record.RollbackTargetVersionID)
	assert.NotNil(t, record.RollbackTimestamp)
	assert.Equal(t, v1.VersionID, f.pointer())
	assert.Equal(t, v1.VersionID, f.storedPointer(t))
	assert.Equal(t, models.VersionStatusProduction, f.status(t, v1.VersionID))
	assert.Equal(t, models.VersionStatusDeprecated, f.status(t, v2.VersionID))
	assert.Equal(t, v1.VersionID, f.orchestrator.Router().Live(models.ModelTypeLeadScoring))

	_, err = f.orchestrator.Rollback(ctx, d2.DeploymentID, "again", "")
	assert.True(t, errors.IsValidation(err))
}

func TestRollbackWithoutTarget(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	d1 := f.deploy(t, v1.VersionID, models.StrategyImmediate)

	_, err := f.orchestrator.Rollback(context.Background(), d1.DeploymentID, "oops", "")
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeNoRollbackTarget, appErr.Code)
	assert.Equal(t, v1.VersionID, f.pointer())
}

func TestRollbackAfterPointerMovedFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	d2 := f.deploy(t, v2.VersionID, models.StrategyImmediate)
	v3 := f.register(t)
	f.deploy(t, v3.VersionID, models.StrategyImmediate)

	record, err := f.orchestrator.Rollback(ctx, d2.DeploymentID, "late", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeRollback, errors.TypeOf(err))
	assert.ErrorIs(t, err, errors.ErrPointerConflict)
	assert.Equal(t, models.DeploymentRollbackFailed, record.Status)

	stored, err := f.store.GetDeployment(ctx, d2.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentRollbackFailed, stored.Status)
	assert.Equal(t, v3.VersionID, f.pointer())
}

func TestBlueGreenDeployAndRollback(t *testing.T) {
	f := newFixture(t, nil)
	router := f.orchestrator.Router()
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	d2 := f.deploy(t, v2.VersionID, models.StrategyBlueGreen)
	assert.Equal(t, v2.VersionID, router.Live(models.ModelTypeLeadScoring))
	assert.Equal(t, v1.VersionID, router.Idle(models.ModelTypeLeadScoring))
	assert.Equal(t, v2.VersionID, f.pointer())
	assert.Contains(t, d2.Notes, "staged in green slot")

	_, err := f.orchestrator.Rollback(context.Background(), d2.DeploymentID, "latency", "")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, router.Live(models.ModelTypeLeadScoring))
	assert.Equal(t, v2.VersionID, router.Idle(models.ModelTypeLeadScoring))
	assert.Equal(t, v1.VersionID, f.pointer())
}

func TestCanaryDeployWalksSteps(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{
		VersionID: v2.VersionID,
		Strategy:  models.StrategyCanary,
		Config:    map[string]interface{}{OptionCanarySteps: []interface{}{10.0, 50.0, 100.0}},
	})
	require.NoError(t, err)

	require.Len(t, record.CanaryProgress, 3)
	for i, pct := range []int{10, 50, 100} {
		assert.Equal(t, pct, record.CanaryProgress[i].Percentage)
		assert.True(t, record.CanaryProgress[i].Passed)
	}
	assert.Equal(t, v2.VersionID, f.pointer())
	id, pct := f.orchestrator.Router().Canary(models.ModelTypeLeadScoring)
	assert.Empty(t, id)
	assert.Zero(t, pct)
}

type failAtAnalyzer struct{ percentage int }

func (a failAtAnalyzer) Analyze(ctx context.Context, obs CanaryObservation) CanaryVerdict {
	if obs.Percentage >= a.percentage {
		return CanaryVerdict{Reason: "error rate 0.2000 exceeds 0.0500"}
	}
	return CanaryVerdict{Passed: true}
}

func TestCanaryRegressionKeepsPointer(t *testing.T) {
	f := newFixture(t, func(_ *Config, d *Dependencies) { d.Analyzer = failAtAnalyzer{percentage: 25} })
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v2.VersionID, Strategy: models.StrategyCanary})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeCanaryRegression, appErr.Code)

	assert.Equal(t, models.DeploymentFailed, record.Status)
	require.Len(t, record.CanaryProgress, 3)
	assert.False(t, record.CanaryProgress[2].Passed)
	assert.Equal(t, v1.VersionID, f.pointer())
	id, _ := f.orchestrator.Router().Canary(models.ModelTypeLeadScoring)
	assert.Empty(t, id)
}

func TestCanaryErrorRateAnalyzerUsesServingResults(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) {
		c.CanaryStepInterval = 50 * time.Millisecond
		c.CanaryMaxErrorRate = 0.05
	})
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	router := f.orchestrator.Router()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			router.RecordServingResult(models.ModelTypeLeadScoring, v2.VersionID, time.Millisecond, i%2 == 0)
			time.Sleep(time.Millisecond)
		}
	}()

	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v2.VersionID, Strategy: models.StrategyCanary})
	close(stop)
	<-done
	require.Error(t, err)
	assert.Equal(t, models.DeploymentFailed, record.Status)
	assert.Equal(t, v1.VersionID, f.pointer())
}

func TestAbortStopsCanaryWait(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) { c.CanaryStepInterval = time.Hour })
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	type result struct {
		record *models.DeploymentRecord
		err    error
	}
	out := make(chan result, 1)
	go func() {
		record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v2.VersionID, Strategy: models.StrategyCanary})
		out <- result{record, err}
	}()

	require.Eventually(t, func() bool {
		id, _ := f.orchestrator.Router().Canary(models.ModelTypeLeadScoring)
		return id == v2.VersionID
	}, 5*time.Second, 5*time.Millisecond)

	deployments, err := f.orchestrator.ListDeployments(context.Background(), models.DeploymentFilter{VersionID: v2.VersionID})
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Contains(t, f.orchestrator.InFlightVersionIDs(context.Background()), v2.VersionID)
	require.True(t, f.orchestrator.Abort(deployments[0].DeploymentID))

	select {
	case r := <-out:
		require.Error(t, r.err)
		assert.ErrorIs(t, r.err, errors.ErrDeploymentAborted)
		assert.Equal(t, models.DeploymentFailed, r.record.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not interrupt the canary wait")
	}

	assert.Equal(t, v1.VersionID, f.pointer())
	assert.False(t, f.orchestrator.Abort(deployments[0].DeploymentID))
}

func TestShadowDeployNeverMovesPointer(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	d2 := f.deploy(t, v2.VersionID, models.StrategyShadow)
	assert.Equal(t, v1.VersionID, f.pointer())

	route, err := f.orchestrator.Router().Route(models.ModelTypeLeadScoring, "user-1")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, route.VersionID)
	assert.Equal(t, []string{v2.VersionID}, route.Shadows)

	_, err = f.orchestrator.Rollback(context.Background(), d2.DeploymentID, "noisy", "")
	require.NoError(t, err)
	route, err = f.orchestrator.Router().Route(models.ModelTypeLeadScoring, "user-1")
	require.NoError(t, err)
	assert.Empty(t, route.Shadows)
	assert.Equal(t, v1.VersionID, f.pointer())
	assert.Equal(t, models.VersionStatusDeprecated, f.status(t, v2.VersionID))
}

func TestABTestNeedsChampion(t *testing.T) {
	f := newFixture(t, nil)
	v := f.register(t)

	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{VersionID: v.VersionID, Strategy: models.StrategyABTest})
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeNoChampion, appErr.Code)
	assert.Equal(t, models.DeploymentFailed, record.Status)
}

func feedOutcomes(t *testing.T, m *experiments.Manager, id string, variant models.Variant, successes, total int) {
	t.Helper()
	for i := 0; i < total; i++ {
		value := 0.0
		if i < successes {
			value = 1
		}
		_, err := m.RecordOutcome(context.Background(), id, variant, "accuracy", value)
		require.NoError(t, err)
	}
}

func TestLeadScoringABTestPromotesChallenger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := f.registerWith(t, 0.80, "", "", models.TrainingConfig{})
	require.Equal(t, "1.0.0", v1.SemanticVersion)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	require.Equal(t, v1.VersionID, f.pointer())

	v2 := f.registerWith(t, 0.84, v1.VersionID, semver.Minor, models.TrainingConfig{})
	require.Equal(t, "1.1.0", v2.SemanticVersion)

	interval := time.Duration(0)
	record, err := f.orchestrator.Deploy(ctx, DeployRequest{
		VersionID: v2.VersionID,
		Strategy:  models.StrategyABTest,
		Config:    map[string]interface{}{OptionTrafficSplit: 0.2},
		Experiment: &models.ExperimentConfig{
			MinimumSampleSize:  100,
			SuccessMetrics:     []string{"accuracy"},
			EvaluationInterval: &interval,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, record.ExperimentID)
	assert.Equal(t, models.DeploymentDeployed, record.Status)
	assert.Equal(t, v1.VersionID, f.pointer())

	exp, err := f.experiments.GetExperiment(ctx, record.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, 0.2, exp.TrafficSplit)
	assert.Equal(t, models.ExperimentRunning, exp.Status)

	route, err := f.orchestrator.Router().Route(models.ModelTypeLeadScoring, "subject-7")
	require.NoError(t, err)
	assert.Equal(t, experiments.Assign(record.ExperimentID, "subject-7", 0.2), route.Variant)

	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChampion, 80, 100)
	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChallenger, 90, 100)

	var decision models.ExperimentDecision
	select {
	case decision = <-f.experiments.Decisions():
	default:
		t.Fatal("experiment produced no decision")
	}
	require.Equal(t, models.DecisionPromote, decision.Decision)
	assert.InDelta(t, 0.9, decision.Confidence, 1e-9)

	updated, err := f.orchestrator.ApplyDecision(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, "promote", updated.Metadata["experiment_decision"])

	assert.Equal(t, v2.VersionID, f.pointer())
	assert.Equal(t, v2.VersionID, f.storedPointer(t))
	assert.Equal(t, models.VersionStatusProduction, f.status(t, v2.VersionID))
	assert.Equal(t, models.VersionStatusStaging, f.status(t, v1.VersionID))
	assert.Equal(t, v2.VersionID, f.orchestrator.Router().Live(models.ModelTypeLeadScoring))
	assert.Empty(t, f.orchestrator.Router().Experiment(models.ModelTypeLeadScoring))
}

func TestRunAppliesRejectDecision(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)

	interval := time.Duration(0)
	record, err := f.orchestrator.Deploy(ctx, DeployRequest{
		VersionID: v2.VersionID,
		Strategy:  models.StrategyABTest,
		Experiment: &models.ExperimentConfig{
			TrafficSplit:       0.5,
			MinimumSampleSize:  100,
			SuccessMetrics:     []string{"accuracy"},
			EvaluationInterval: &interval,
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.orchestrator.Run(ctx) }()

	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChampion, 90, 100)
	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChallenger, 70, 100)

	require.Eventually(t, func() bool {
		return f.orchestrator.Router().Experiment(models.ModelTypeLeadScoring) == ""
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := f.store.GetDeployment(context.Background(), record.DeploymentID)
		return err == nil && stored.Metadata["experiment_decision"] == "reject"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, v1.VersionID, f.pointer())

	cancel()
	require.NoError(t, <-done)
}

func TestLoadRebuildsRouter(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	f.deploy(t, v2.VersionID, models.StrategyShadow)

	o2, err := NewOrchestrator(nil, Dependencies{Registry: f.registry, Store: f.store, Experiments: f.experiments}, testLogger())
	require.NoError(t, err)
	require.NoError(t, o2.Load(context.Background()))

	route, err := o2.Router().Route(models.ModelTypeLeadScoring, "user")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, route.VersionID)
	assert.Equal(t, []string{v2.VersionID}, route.Shadows)
}

func (f *fixture) abTest(t *testing.T, versionID string, split float64) *models.DeploymentRecord {
	t.Helper()
	interval := time.Duration(0)
	record, err := f.orchestrator.Deploy(context.Background(), DeployRequest{
		VersionID: versionID,
		Strategy:  models.StrategyABTest,
		Experiment: &models.ExperimentConfig{
			TrafficSplit:       split,
			MinimumSampleSize:  100,
			SuccessMetrics:     []string{"accuracy"},
			EvaluationInterval: &interval,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, record.ExperimentID)
	return record
}

func TestLoadAppliesPersistedPromoteDecision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	record := f.abTest(t, v2.VersionID, 0.2)

	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChampion, 80, 100)
	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChallenger, 90, 100)
	exp, err := f.experiments.GetExperiment(ctx, record.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, models.DecisionPromote, exp.FinalDecision)
	require.Equal(t, v1.VersionID, f.pointer())

	// A restart loses the undelivered decision; only the store remembers it.
	reg2, err := registry.NewRegistry(nil, registry.Dependencies{
		Store:     f.store,
		Artifacts: f.artifacts,
		Codec:     predictor.NewJSONCodec(),
	}, testLogger())
	require.NoError(t, err)
	require.NoError(t, reg2.Load(ctx))
	exps2, err := experiments.NewManager(nil, experiments.Dependencies{Store: f.store, Versions: reg2}, testLogger())
	require.NoError(t, err)
	require.NoError(t, exps2.Load(ctx))
	o2, err := NewOrchestrator(nil, Dependencies{Registry: reg2, Store: f.store, Experiments: exps2}, testLogger())
	require.NoError(t, err)
	require.NoError(t, o2.Load(ctx))

	assert.Equal(t, v2.VersionID, reg2.Pointers().Get(models.ModelTypeLeadScoring))
	assert.Equal(t, v2.VersionID, f.storedPointer(t))
	assert.Equal(t, v2.VersionID, o2.Router().Live(models.ModelTypeLeadScoring))
	assert.Empty(t, o2.Router().Experiment(models.ModelTypeLeadScoring))

	promoted, err := reg2.GetVersion(ctx, v2.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusProduction, promoted.Status)

	stored, err := f.store.GetDeployment(ctx, record.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "promote", stored.Metadata["experiment_decision"])

	// Settled deployments are not swept again.
	assert.Equal(t, 0, o2.SweepDecisions(ctx))
}

func TestSweepDecisionsAppliesUndeliveredDecisionOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	record := f.abTest(t, v2.VersionID, 0.5)

	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChampion, 80, 100)
	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChallenger, 95, 100)

	assert.Equal(t, 1, f.orchestrator.SweepDecisions(ctx))
	assert.Equal(t, v2.VersionID, f.pointer())
	assert.Equal(t, models.VersionStatusProduction, f.status(t, v2.VersionID))

	// The buffered copy of the same decision arrives late and changes nothing.
	decision := <-f.experiments.Decisions()
	again, err := f.orchestrator.ApplyDecision(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, "promote", again.Metadata["experiment_decision"])
	assert.Equal(t, v2.VersionID, f.pointer())
	assert.Equal(t, 0, f.orchestrator.SweepDecisions(ctx))
}

func TestRunSweepsPersistedDecisions(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) {
		c.DecisionSweepInterval = 5 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	record := f.abTest(t, v2.VersionID, 0.5)

	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChampion, 90, 100)
	feedOutcomes(t, f.experiments, record.ExperimentID, models.VariantChallenger, 70, 100)
	// Drain the channel so only the sweep can act.
	<-f.experiments.Decisions()

	done := make(chan error, 1)
	go func() { done <- f.orchestrator.Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := f.store.GetDeployment(context.Background(), record.DeploymentID)
		return err == nil && stored.Metadata["experiment_decision"] == "reject"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.orchestrator.Router().Experiment(models.ModelTypeLeadScoring))
	assert.Equal(t, v1.VersionID, f.pointer())

	cancel()
	require.NoError(t, <-done)
}

func TestStopExperimentRemovesChallengerTraffic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	record := f.abTest(t, v2.VersionID, 0.5)

	challengers := func() int {
		n := 0
		for i := 0; i < 200; i++ {
			route, err := f.orchestrator.Router().Route(models.ModelTypeLeadScoring, fmt.Sprintf("subject-%d", i))
			require.NoError(t, err)
			if route.VersionID == v2.VersionID {
				n++
			}
		}
		return n
	}
	require.Greater(t, challengers(), 0)

	stopped, err := f.orchestrator.StopExperiment(ctx, record.ExperimentID, "bad offline metrics")
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, string(models.ExperimentStopped), stopped.Metadata["experiment_decision"])
	assert.Equal(t, models.DeploymentDeployed, stopped.Status)

	assert.Equal(t, 0, challengers())
	assert.Empty(t, f.orchestrator.Router().Experiment(models.ModelTypeLeadScoring))
	assert.Equal(t, v1.VersionID, f.pointer())

	exp, err := f.experiments.GetExperiment(ctx, record.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStopped, exp.Status)

	_, err = f.orchestrator.StopExperiment(ctx, record.ExperimentID, "again")
	assert.True(t, errors.IsValidation(err))
}

func TestSweepDetachesExperimentStoppedOutsideOrchestrator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := f.register(t)
	f.deploy(t, v1.VersionID, models.StrategyImmediate)
	v2 := f.register(t)
	record := f.abTest(t, v2.VersionID, 0.5)

	require.NoError(t, f.experiments.Stop(ctx, record.ExperimentID, "paused"))
	route, err := f.orchestrator.Router().Route(models.ModelTypeLeadScoring, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, route.VersionID)

	assert.Equal(t, 1, f.orchestrator.SweepDecisions(ctx))
	assert.Empty(t, f.orchestrator.Router().Experiment(models.ModelTypeLeadScoring))
	stored, err := f.store.GetDeployment(ctx, record.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", stored.Metadata["experiment_decision"])
}
