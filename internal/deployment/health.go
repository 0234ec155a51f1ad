package deployment

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// HealthConfig holds the pre-deployment floors
type HealthConfig struct {
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	MinimumAccuracy  float64       `json:"minimum_accuracy" mapstructure:"minimum_accuracy"`
	MinimumPrecision float64       `json:"minimum_precision" mapstructure:"minimum_precision"`
	MinimumRecall    float64       `json:"minimum_recall" mapstructure:"minimum_recall"`
}

// DefaultHealthConfig returns the default floors
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Timeout:          constants.DefaultHealthCheckTimeout,
		MinimumAccuracy:  constants.DefaultMinimumAccuracy,
		MinimumPrecision: constants.DefaultMinimumPrecision,
		MinimumRecall:    constants.DefaultMinimumRecall,
	}
}

// HealthChecker validates a version before it receives traffic
type HealthChecker struct {
	logger    *logrus.Logger
	config    HealthConfig
	artifacts interfaces.ArtifactStore
	codec     interfaces.PredictorCodec
	metrics   *metrics.PrometheusMetrics
}

// NewHealthChecker creates a health checker
func NewHealthChecker(config HealthConfig, artifacts interfaces.ArtifactStore, codec interfaces.PredictorCodec, m *metrics.PrometheusMetrics, logger *logrus.Logger) *HealthChecker {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthChecker{logger: logger, config: config, artifacts: artifacts, codec: codec, metrics: m}
}

type checkCollector struct {
	mu       sync.Mutex
	report   *models.HealthReport
	failures []errors.CheckFailure
}

func (c *checkCollector) pass(check string, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Checks[check] = true
	c.report.Results[check] = models.HealthCheckResult{Check: check, Passed: true, Duration: time.Since(started)}
}

func (c *checkCollector) fail(f errors.CheckFailure, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
	c.report.Checks[f.Check] = false
	if _, seen := c.report.Results[f.Check]; seen && !c.report.Results[f.Check].Passed {
		return
	}
	c.report.Results[f.Check] = models.HealthCheckResult{
		Check:    f.Check,
		Reason:   f.Reason,
		Metric:   f.Metric,
		Expected: f.Expected,
		Actual:   f.Actual,
		Duration: time.Since(started),
	}
}

// Check runs every check concurrently. The report is always returned; the
// error lists each failing check. A missing artifact or an expired deadline
// stops the remaining checks early.
func (h *HealthChecker) Check(ctx context.Context, v *models.ModelVersion) (*models.HealthReport, error) {
	timeout := h.config.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHealthCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := &checkCollector{report: &models.HealthReport{
		VersionID: v.VersionID,
		Checks:    make(map[string]bool),
		Results:   make(map[string]models.HealthCheckResult),
	}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.checkLoadingAndPrediction(gctx, v, c)
	})
	g.Go(func() error {
		return h.checkIntegrity(gctx, v, c)
	})
	g.Go(func() error {
		h.checkPerformance(v, c)
		return nil
	})
	if err := g.Wait(); err != nil {
		h.logger.WithError(err).WithField("version_id", v.VersionID).Debug("Health checks cut short")
	}

	c.report.CheckedAt = time.Now().UTC()
	c.report.Passed = len(c.failures) == 0
	for check, passed := range c.report.Checks {
		h.metrics.RecordHealthCheck(check, passed)
	}

	if c.report.Passed {
		h.logger.WithField("version_id", v.VersionID).Debug("Health checks passed")
		return c.report, nil
	}

	err := errors.NewHealthCheckError(v.VersionID, c.failures)
	h.logger.WithFields(logrus.Fields{
		"version_id": v.VersionID,
		"failed":     err.FailedChecks(),
	}).Warn("Health checks failed")
	return c.report, err
}

// checkLoadingAndPrediction loads the artifact, then scores a zero
// vector built from the feature schema
func (h *HealthChecker) checkLoadingAndPrediction(ctx context.Context, v *models.ModelVersion, c *checkCollector) error {
	started := time.Now()
	predictor, err := h.loadPredictor(ctx, v.VersionID)
	if err != nil {
		c.fail(errors.CheckFailure{Check: models.CheckModelLoading, Reason: err.Error(), Cause: err}, started)
		c.fail(errors.CheckFailure{Check: models.CheckPredictionCapability, Reason: "model could not be loaded"}, started)
		return fatalCheckError(err)
	}
	c.pass(models.CheckModelLoading, started)

	started = time.Now()
	features := make(map[string]float64, len(v.FeatureSchema))
	for name := range v.FeatureSchema {
		features[name] = 0
	}
	for _, name := range predictor.FeatureNames() {
		features[name] = 0
	}

	score, err := predictor.Predict(ctx, features)
	switch {
	case err != nil:
		c.fail(errors.CheckFailure{Check: models.CheckPredictionCapability, Reason: "prediction failed: " + err.Error(), Cause: err}, started)
	case math.IsNaN(score) || math.IsInf(score, 0):
		c.fail(errors.CheckFailure{Check: models.CheckPredictionCapability, Reason: "prediction is not finite", Actual: fmt.Sprint(score)}, started)
	default:
		c.pass(models.CheckPredictionCapability, started)
	}
	return nil
}

// fatalCheckError passes on the errors that make the sibling checks pointless
func fatalCheckError(err error) error {
	if errors.IsNotFound(err) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (h *HealthChecker) loadPredictor(ctx context.Context, versionID string) (interfaces.Predictor, error) {
	rc, _, err := h.artifacts.Load(ctx, versionID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return h.codec.Decode(rc)
}

func (h *HealthChecker) checkIntegrity(ctx context.Context, v *models.ModelVersion, c *checkCollector) error {
	started := time.Now()
	actual, err := h.artifacts.Hash(ctx, v.VersionID)
	if err != nil {
		c.fail(errors.CheckFailure{Check: models.CheckArtifactIntegrity, Reason: "hash could not be computed: " + err.Error(), Cause: err}, started)
		return fatalCheckError(err)
	}
	if actual != v.ArtifactHash {
		c.fail(errors.CheckFailure{
			Check:    models.CheckArtifactIntegrity,
			Reason:   "artifact hash mismatch",
			Expected: v.ArtifactHash,
			Actual:   actual,
			Cause:    errors.NewIntegrityError(v.VersionID, v.ArtifactHash, actual),
		}, started)
		return nil
	}
	c.pass(models.CheckArtifactIntegrity, started)
	return nil
}

// checkPerformance compares offline metrics with the floors. A floor set on
// the version's training config applies when it is stricter.
func (h *HealthChecker) checkPerformance(v *models.ModelVersion, c *checkCollector) {
	started := time.Now()
	floors := []struct {
		metric string
		floor  float64
		actual float64
	}{
		{"accuracy", math.Max(h.config.MinimumAccuracy, v.TrainingConfig.MinimumAccuracy), v.PerformanceMetrics.Accuracy},
		{"precision", math.Max(h.config.MinimumPrecision, v.TrainingConfig.MinimumPrecision), v.PerformanceMetrics.Precision},
		{"recall", math.Max(h.config.MinimumRecall, v.TrainingConfig.MinimumRecall), v.PerformanceMetrics.Recall},
	}

	passed := true
	for _, f := range floors {
		if f.actual < f.floor {
			passed = false
			c.fail(errors.CheckFailure{
				Check:    models.CheckPerformanceThresholds,
				Reason:   fmt.Sprintf("%s below threshold", f.metric),
				Metric:   f.metric,
				Expected: f.floor,
				Actual:   f.actual,
			}, started)
		}
	}
	if passed {
		c.pass(models.CheckPerformanceThresholds, started)
	}
}
