package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/models"
)

// PrometheusMetrics records lifecycle metrics. A nil *PrometheusMetrics is a
// valid no-op recorder so components can run without metrics wired.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *PrometheusConfig
	mu       sync.RWMutex

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Registry metrics
	versionsRegistered *prometheus.CounterVec
	versionsByStatus   *prometheus.GaugeVec
	pendingApprovals   prometheus.Gauge
	artifactsRemoved   prometheus.Counter

	// Deployment metrics
	deploymentsTotal   *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	deploymentsActive  prometheus.Gauge
	healthChecksTotal  *prometheus.CounterVec
	canaryStepsTotal   *prometheus.CounterVec
	rollbacksTotal     *prometheus.CounterVec
	pointerChanges     *prometheus.CounterVec
	pointerConflicts   *prometheus.CounterVec

	// Experiment metrics
	experimentObservations *prometheus.CounterVec
	experimentEvaluations  *prometheus.CounterVec
	experimentsRunning     prometheus.Gauge
	experimentPValue       *prometheus.GaugeVec

	// Error metrics
	errorRate *prometheus.CounterVec
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Port      int    `json:"port" mapstructure:"port"`
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// DefaultPrometheusConfig serves metrics on the API listener
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Path:      constants.DefaultMetricsPath,
		Namespace: constants.AppName,
	}
}

// Handler exposes the registry for mounting on an existing router
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start runs a dedicated metrics listener when a port is configured
func (pm *PrometheusMetrics) Start(ctx context.Context) error {
	if !pm.config.Enabled || pm.config.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(pm.config.Path, pm.Handler())

	pm.mu.Lock()
	pm.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", pm.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := pm.server
	pm.mu.Unlock()

	pm.logger.WithFields(logrus.Fields{
		"port": pm.config.Port,
		"path": pm.config.Path,
	}).Info("Starting Prometheus metrics server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Prometheus metrics server error")
		}
	}()

	return nil
}

// Stop stops the dedicated metrics listener
func (pm *PrometheusMetrics) Stop(ctx context.Context) error {
	pm.mu.RLock()
	server := pm.server
	pm.mu.RUnlock()
	if server == nil {
		return nil
	}

	pm.logger.Info("Stopping Prometheus metrics server")
	return server.Shutdown(ctx)
}

// HTTP Metrics
func (pm *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	pm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Registry Metrics
func (pm *PrometheusMetrics) RecordVersionRegistered(modelType models.ModelType) {
	if pm == nil {
		return
	}
	pm.versionsRegistered.WithLabelValues(string(modelType)).Inc()
}

// SetRegistrySummary refreshes the catalogue gauges
func (pm *PrometheusMetrics) SetRegistrySummary(summary *models.RegistrySummary) {
	if pm == nil || summary == nil {
		return
	}
	for _, status := range []models.VersionStatus{models.VersionStatusStaging, models.VersionStatusProduction, models.VersionStatusDeprecated} {
		pm.versionsByStatus.WithLabelValues(string(status)).Set(float64(summary.ByStatus[status]))
	}
	pm.pendingApprovals.Set(float64(summary.PendingApprovals))
	pm.deploymentsActive.Set(float64(summary.ActiveDeployments))
	pm.experimentsRunning.Set(float64(summary.RunningExperiments))
}

func (pm *PrometheusMetrics) RecordArtifactsRemoved(n int) {
	if pm == nil {
		return
	}
	pm.artifactsRemoved.Add(float64(n))
}

// Deployment Metrics
func (pm *PrometheusMetrics) RecordDeployment(strategy models.DeploymentStrategy, status models.DeploymentStatus, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.deploymentsTotal.WithLabelValues(string(strategy), string(status)).Inc()
	pm.deploymentDuration.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordHealthCheck(check string, passed bool) {
	if pm == nil {
		return
	}
	pm.healthChecksTotal.WithLabelValues(check, resultLabel(passed)).Inc()
}

func (pm *PrometheusMetrics) RecordCanaryStep(modelType models.ModelType, percentage int, passed bool) {
	if pm == nil {
		return
	}
	pm.canaryStepsTotal.WithLabelValues(string(modelType), fmt.Sprintf("%d", percentage), resultLabel(passed)).Inc()
}

func (pm *PrometheusMetrics) RecordRollback(modelType models.ModelType, status models.DeploymentStatus) {
	if pm == nil {
		return
	}
	pm.rollbacksTotal.WithLabelValues(string(modelType), string(status)).Inc()
}

func (pm *PrometheusMetrics) RecordPointerChange(modelType models.ModelType) {
	if pm == nil {
		return
	}
	pm.pointerChanges.WithLabelValues(string(modelType)).Inc()
}

func (pm *PrometheusMetrics) RecordPointerConflict(modelType models.ModelType) {
	if pm == nil {
		return
	}
	pm.pointerConflicts.WithLabelValues(string(modelType)).Inc()
}

// Experiment Metrics
func (pm *PrometheusMetrics) RecordObservation(modelType models.ModelType, variant models.Variant) {
	if pm == nil {
		return
	}
	pm.experimentObservations.WithLabelValues(string(modelType), string(variant)).Inc()
}

func (pm *PrometheusMetrics) RecordEvaluation(modelType models.ModelType, decision models.Decision, results map[string]models.MetricResult, experimentID string) {
	if pm == nil {
		return
	}
	pm.experimentEvaluations.WithLabelValues(string(modelType), string(decision)).Inc()
	for metric, r := range results {
		if r.Error == "" {
			pm.experimentPValue.WithLabelValues(experimentID, metric).Set(r.PValue)
		}
	}
}

// Error Metrics
func (pm *PrometheusMetrics) RecordError(component, errorType string) {
	if pm == nil {
		return
	}
	pm.errorRate.WithLabelValues(component, errorType).Inc()
}

func resultLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

// initializeMetrics initializes all Prometheus metrics
func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	pm.versionsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "versions_registered_total",
			Help:      "Total number of registered model versions",
		},
		[]string{"model_type"},
	)

	pm.versionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "versions",
			Help:      "Model versions by lifecycle status",
		},
		[]string{"status"},
	)

	pm.pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pending_approvals",
			Help:      "Versions awaiting review",
		},
	)

	pm.artifactsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "artifacts_removed_total",
			Help:      "Artifacts removed by retention cleanup",
		},
	)

	pm.deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "deployments_total",
			Help:      "Deployments by strategy and final status",
		},
		[]string{"strategy", "status"},
	)

	pm.deploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "duration_seconds",
			Help:      "Deployment duration in seconds",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600},
		},
		[]string{"strategy"},
	)

	pm.deploymentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "active",
			Help:      "Deployments currently pending, deploying or deployed",
		},
	)

	pm.healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "health_checks_total",
			Help:      "Pre-deployment health checks by check and result",
		},
		[]string{"check", "result"},
	)

	pm.canaryStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "canary_steps_total",
			Help:      "Canary traffic steps by percentage and result",
		},
		[]string{"model_type", "percentage", "result"},
	)

	pm.rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "rollbacks_total",
			Help:      "Rollbacks by final status",
		},
		[]string{"model_type", "status"},
	)

	pm.pointerChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "pointer_changes_total",
			Help:      "Production pointer moves",
		},
		[]string{"model_type"},
	)

	pm.pointerConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "pointer_conflicts_total",
			Help:      "Pointer compare-and-swap losses",
		},
		[]string{"model_type"},
	)

	pm.experimentObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "observations_total",
			Help:      "Outcome observations by arm",
		},
		[]string{"model_type", "variant"},
	)

	pm.experimentEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "evaluations_total",
			Help:      "Experiment evaluations by decision",
		},
		[]string{"model_type", "decision"},
	)

	pm.experimentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "running",
			Help:      "Experiments currently running",
		},
	)

	pm.experimentPValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "p_value",
			Help:      "Latest p-value per experiment metric",
		},
		[]string{"experiment_id", "metric"},
	)

	pm.errorRate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "type"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.versionsRegistered,
		pm.versionsByStatus,
		pm.pendingApprovals,
		pm.artifactsRemoved,
		pm.deploymentsTotal,
		pm.deploymentDuration,
		pm.deploymentsActive,
		pm.healthChecksTotal,
		pm.canaryStepsTotal,
		pm.rollbacksTotal,
		pm.pointerChanges,
		pm.pointerConflicts,
		pm.experimentObservations,
		pm.experimentEvaluations,
		pm.experimentsRunning,
		pm.experimentPValue,
		pm.errorRate,
	}

	for _, metric := range metrics {
		if err := pm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}
