package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/pkg/models"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pm, err := NewPrometheusMetrics(nil, logger)
	require.NoError(t, err)
	return pm
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var pm *PrometheusMetrics

	assert.NotPanics(t, func() {
		pm.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
		pm.RecordVersionRegistered(models.ModelTypeLeadScoring)
		pm.SetRegistrySummary(&models.RegistrySummary{})
		pm.RecordArtifactsRemoved(3)
		pm.RecordDeployment(models.StrategyCanary, models.DeploymentDeployed, time.Second)
		pm.RecordHealthCheck(string(models.CheckModelLoading), true)
		pm.RecordCanaryStep(models.ModelTypeLeadScoring, 5, true)
		pm.RecordRollback(models.ModelTypeLeadScoring, models.DeploymentRolledBack)
		pm.RecordPointerChange(models.ModelTypeLeadScoring)
		pm.RecordPointerConflict(models.ModelTypeLeadScoring)
		pm.RecordObservation(models.ModelTypeLeadScoring, models.VariantChampion)
		pm.RecordEvaluation(models.ModelTypeLeadScoring, models.DecisionPromote, nil, "exp")
		pm.RecordError("registry", "storage")
	})
}

func TestRecordDeploymentAndRollback(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordDeployment(models.StrategyBlueGreen, models.DeploymentDeployed, 2*time.Second)
	pm.RecordDeployment(models.StrategyBlueGreen, models.DeploymentDeployed, time.Second)
	pm.RecordRollback(models.ModelTypeChurnPrediction, models.DeploymentRolledBack)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.deploymentsTotal.WithLabelValues("blue_green", "deployed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.rollbacksTotal.WithLabelValues("churn_prediction", "rolled_back")))
}

func TestRecordEvaluationSkipsErroredMetrics(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordEvaluation(models.ModelTypeLeadScoring, models.DecisionExtend, map[string]models.MetricResult{
		"accuracy":  {Metric: "accuracy", PValue: 0.2},
		"auc_score": {Metric: "auc_score", PValue: 1, Error: "no champion observations"},
	}, "exp-1")

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.experimentEvaluations.WithLabelValues("lead_scoring", "extend")))
	assert.Equal(t, 0.2, testutil.ToFloat64(pm.experimentPValue.WithLabelValues("exp-1", "accuracy")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.experimentPValue))
}

func TestSetRegistrySummary(t *testing.T) {
	pm := newTestMetrics(t)

	pm.SetRegistrySummary(&models.RegistrySummary{
		ByStatus: map[models.VersionStatus]int{
			models.VersionStatusStaging:    4,
			models.VersionStatusProduction: 1,
		},
		PendingApprovals:   2,
		RunningExperiments: 1,
		ActiveDeployments:  3,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(pm.versionsByStatus.WithLabelValues("staging")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.versionsByStatus.WithLabelValues("deprecated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.pendingApprovals))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.deploymentsActive))
}

func TestHandlerExposesMetrics(t *testing.T) {
	pm := newTestMetrics(t)
	pm.RecordPointerChange(models.ModelTypeLeadScoring)

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelops_deployment_pointer_changes_total")

	families, err := pm.GetRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
