// Package experiments runs champion/challenger A/B tests: deterministic
// subject assignment, online per-arm statistics, significance testing and
// the promote/reject/extend decision.
package experiments

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// Config configures the experiment manager
type Config struct {
	EvaluatorInterval time.Duration `json:"evaluator_interval" mapstructure:"evaluator_interval"`
	DecisionBuffer    int           `json:"decision_buffer" mapstructure:"decision_buffer"`
}

// DefaultConfig returns the manager defaults
func DefaultConfig() *Config {
	return &Config{
		EvaluatorInterval: constants.DefaultEvaluatorTick,
		DecisionBuffer:    constants.DefaultDecisionBuffer,
	}
}

// VersionSource resolves the versions an experiment compares
type VersionSource interface {
	GetVersion(ctx context.Context, versionID string) (*models.ModelVersion, error)
}

// Dependencies are the collaborators a Manager is built from
type Dependencies struct {
	Store     interfaces.RecordStore
	Versions  VersionSource
	Sink      interfaces.SnapshotSink
	Publisher interfaces.EventPublisher
	Metrics   *metrics.PrometheusMetrics
}

type entry struct {
	mu    sync.Mutex
	exp   *models.ABTestExperiment
	dirty bool
}

// Manager owns all experiments. Each experiment has its own lock so
// experiments of different model types never contend.
type Manager struct {
	logger    *logrus.Logger
	config    *Config
	store     interfaces.RecordStore
	versions  VersionSource
	sink      interfaces.SnapshotSink
	publisher interfaces.EventPublisher
	metrics   *metrics.PrometheusMetrics
	tracer    trace.Tracer

	mu      sync.RWMutex
	entries map[string]*entry

	decisions chan models.ExperimentDecision

	now func() time.Time
}

// NewManager creates an experiment manager
func NewManager(config *Config, deps Dependencies, logger *logrus.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "experiment manager requires a record store")
	}
	if deps.Versions == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "experiment manager requires a version source")
	}
	if logger == nil {
		logger = logrus.New()
	}
	buffer := config.DecisionBuffer
	if buffer <= 0 {
		buffer = constants.DefaultDecisionBuffer
	}

	return &Manager{
		logger:    logger,
		config:    config,
		store:     deps.Store,
		versions:  deps.Versions,
		sink:      deps.Sink,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer("modelops/experiments"),
		entries:   make(map[string]*entry),
		decisions: make(chan models.ExperimentDecision, buffer),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Load rebuilds the in-memory experiments from the record store
func (m *Manager) Load(ctx context.Context) error {
	experiments, err := m.store.ListExperiments(ctx, models.ExperimentFilter{})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry, len(experiments))
	for _, e := range experiments {
		if e.Champion == nil {
			e.Champion = models.NewArmStats()
		}
		if e.Challenger == nil {
			e.Challenger = models.NewArmStats()
		}
		m.entries[e.ExperimentID] = &entry{exp: e}
	}

	m.logger.WithField("experiments", len(experiments)).Info("Loaded experiments")
	return nil
}

// Decisions delivers every non-extend decision
func (m *Manager) Decisions() <-chan models.ExperimentDecision {
	return m.decisions
}

// CreateExperiment validates and stores a pending experiment
func (m *Manager) CreateExperiment(ctx context.Context, championID, challengerID string, config models.ExperimentConfig) (*models.ABTestExperiment, error) {
	if championID == "" || challengerID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "champion and challenger version ids are required")
	}
	if championID == challengerID {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "champion and challenger must be different versions").
			WithContext("version_id", championID)
	}

	champion, err := m.versions.GetVersion(ctx, championID)
	if err != nil {
		return nil, err
	}
	challenger, err := m.versions.GetVersion(ctx, challengerID)
	if err != nil {
		return nil, err
	}
	if champion.ModelType != challenger.ModelType {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "champion and challenger must share a model type").
			WithDetails(fmt.Sprintf("%s vs %s", champion.ModelType, challenger.ModelType))
	}

	applyDefaults(&config)
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	now := m.now()
	exp := &models.ABTestExperiment{
		ExperimentID:                     uuid.New().String(),
		ExperimentName:                   config.ExperimentName,
		ModelType:                        champion.ModelType,
		ChampionVersionID:                championID,
		ChallengerVersionID:              challengerID,
		TrafficSplit:                     config.TrafficSplit,
		SuccessMetrics:                   append([]string(nil), config.SuccessMetrics...),
		LowerIsBetter:                    append([]string(nil), config.LowerIsBetter...),
		MinimumSampleSize:                config.MinimumSampleSize,
		MaximumDuration:                  config.MaximumDuration,
		StatisticalSignificanceThreshold: config.StatisticalSignificanceThreshold,
		PracticalSignificanceThreshold:   config.PracticalSignificanceThreshold,
		EvaluationInterval:               *config.EvaluationInterval,
		StratificationFeatures:           config.StratificationFeatures,
		ExclusionCriteria:                config.ExclusionCriteria,
		Status:                           models.ExperimentPending,
		Champion:                         models.NewArmStats(),
		Challenger:                       models.NewArmStats(),
		Metadata:                         config.Metadata,
		CreatedAt:                        now,
		UpdatedAt:                        now,
	}
	if exp.ExperimentName == "" {
		exp.ExperimentName = fmt.Sprintf("%s %s vs %s", exp.ModelType, champion.SemanticVersion, challenger.SemanticVersion)
	}

	if err := m.store.SaveExperiment(ctx, exp); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[exp.ExperimentID] = &entry{exp: exp.Clone()}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ExperimentID,
		"model_type":    exp.ModelType,
		"champion":      championID,
		"challenger":    challengerID,
		"traffic_split": exp.TrafficSplit,
	}).Info("Created experiment")

	return exp, nil
}

func applyDefaults(c *models.ExperimentConfig) {
	if c.TrafficSplit == 0 {
		c.TrafficSplit = constants.DefaultTrafficSplit
	}
	if len(c.SuccessMetrics) == 0 {
		c.SuccessMetrics = append([]string(nil), constants.DefaultSuccessMetrics...)
	}
	if c.MinimumSampleSize == 0 {
		c.MinimumSampleSize = constants.DefaultMinimumSampleSize
	}
	if c.MaximumDuration == 0 {
		c.MaximumDuration = constants.DefaultMaximumDuration
	}
	if c.StatisticalSignificanceThreshold == 0 {
		c.StatisticalSignificanceThreshold = constants.DefaultSignificanceLevel
	}
	if c.PracticalSignificanceThreshold == 0 {
		c.PracticalSignificanceThreshold = constants.DefaultPracticalThreshold
	}
	if c.EvaluationInterval == nil {
		interval := constants.DefaultEvaluationInterval
		c.EvaluationInterval = &interval
	}
}

func validateConfig(c models.ExperimentConfig) error {
	ve := errors.NewValidationErrors()
	if c.TrafficSplit <= 0 || c.TrafficSplit >= 1 {
		ve.Add("traffic_split", errors.CodeOutOfRange, "must be between 0 and 1 exclusive", c.TrafficSplit)
	}
	seen := make(map[string]bool, len(c.SuccessMetrics))
	for _, metric := range c.SuccessMetrics {
		if metric == "" {
			ve.Add("success_metrics", errors.CodeInvalidInput, "metric names cannot be empty", c.SuccessMetrics)
			break
		}
		if seen[metric] {
			ve.Add("success_metrics", errors.CodeInvalidInput, "duplicate metric "+metric, c.SuccessMetrics)
			break
		}
		seen[metric] = true
	}
	if c.MinimumSampleSize < 1 {
		ve.Add("minimum_sample_size", errors.CodeOutOfRange, "must be at least 1", c.MinimumSampleSize)
	}
	if c.MaximumDuration < 0 {
		ve.Add("maximum_duration", errors.CodeOutOfRange, "must be positive", c.MaximumDuration.String())
	}
	if c.StatisticalSignificanceThreshold <= 0 || c.StatisticalSignificanceThreshold >= 1 {
		ve.Add("statistical_significance_threshold", errors.CodeOutOfRange, "must be between 0 and 1 exclusive", c.StatisticalSignificanceThreshold)
	}
	if c.PracticalSignificanceThreshold < 0 {
		ve.Add("practical_significance_threshold", errors.CodeOutOfRange, "cannot be negative", c.PracticalSignificanceThreshold)
	}
	if c.EvaluationInterval != nil && *c.EvaluationInterval < 0 {
		ve.Add("evaluation_interval", errors.CodeOutOfRange, "cannot be negative", c.EvaluationInterval.String())
	}
	if ve.HasErrors() {
		return ve.AsAppError()
	}
	return nil
}

// Start moves a pending experiment to running
func (m *Manager) Start(ctx context.Context, experimentID string) error {
	e, err := m.entry(experimentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status != models.ExperimentPending {
		return errors.NewValidationError(errors.CodeInvalidTransition, "only pending experiments can be started").
			WithContext("experiment_id", experimentID).
			WithContext("status", e.exp.Status)
	}

	now := m.now()
	end := now.Add(e.exp.MaximumDuration)
	updated := e.exp.Clone()
	updated.Status = models.ExperimentRunning
	updated.StartTime = &now
	updated.PlannedEndTime = &end
	updated.UpdatedAt = now

	if err := m.store.SaveExperiment(ctx, updated); err != nil {
		return err
	}
	e.exp = updated
	e.dirty = false

	m.logger.WithFields(logrus.Fields{
		"experiment_id":    experimentID,
		"model_type":       updated.ModelType,
		"planned_end_time": end,
	}).Info("Started experiment")

	m.publish(ctx, &models.Event{
		Type:         models.EventExperimentStarted,
		ModelType:    updated.ModelType,
		ExperimentID: experimentID,
		VersionID:    updated.ChallengerVersionID,
	})
	return nil
}

// Assign maps a subject to an arm. The result depends only on the
// experiment id, the subject id and the split.
func Assign(experimentID, subjectID string, split float64) models.Variant {
	sum := sha256.Sum256([]byte(experimentID + ":" + subjectID))
	bucket := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	if bucket >= 1 {
		bucket = math.Nextafter(1, 0)
	}
	if bucket < split {
		return models.VariantChallenger
	}
	return models.VariantChampion
}

// AssignVariant returns the arm for a subject. Every subject of an
// experiment that is not running gets the champion.
func (m *Manager) AssignVariant(experimentID, subjectID string) (models.Variant, error) {
	if subjectID == "" {
		return "", errors.NewValidationError(errors.CodeMissingField, "subject id is required")
	}
	e, err := m.entry(experimentID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	split, status := e.exp.TrafficSplit, e.exp.Status
	e.mu.Unlock()
	if status != models.ExperimentRunning {
		return models.VariantChampion, nil
	}
	return Assign(experimentID, subjectID, split), nil
}

// RecordOutcome records a single metric value for one subject
func (m *Manager) RecordOutcome(ctx context.Context, experimentID string, variant models.Variant, metric string, value float64) (*models.EvaluationResult, error) {
	if metric == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "metric name is required")
	}
	return m.RecordObservation(ctx, experimentID, variant, map[string]float64{metric: value})
}

// RecordObservation folds one subject's metric values into the arm. When
// both arms are ready and an evaluation is due one runs and its result is
// returned.
func (m *Manager) RecordObservation(ctx context.Context, experimentID string, variant models.Variant, values map[string]float64) (*models.EvaluationResult, error) {
	if !variant.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown variant %q", variant))
	}
	if len(values) == 0 {
		return nil, errors.NewValidationError(errors.CodeMissingField, "observation carries no metric values")
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, "metric values must be finite").
				WithContext("metric", name)
		}
	}

	e, err := m.entry(experimentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status != models.ExperimentRunning {
		return nil, errors.NewValidationError(errors.CodeInvalidTransition, "experiment is not running").
			WithContext("experiment_id", experimentID).
			WithContext("status", e.exp.Status)
	}

	arm := e.exp.Arm(variant)
	arm.SampleCount++
	for name, v := range values {
		arm.Metric(name).Observe(v)
	}
	e.exp.UpdatedAt = m.now()
	e.dirty = true
	m.metrics.RecordObservation(e.exp.ModelType, variant)

	if !m.due(e.exp) {
		return nil, nil
	}
	return m.evaluateLocked(ctx, e)
}

// due reports whether an opportunistic evaluation should run now
func (m *Manager) due(exp *models.ABTestExperiment) bool {
	if exp.Status != models.ExperimentRunning {
		return false
	}
	now := m.now()
	if elapsed(exp, now) {
		return true
	}
	if !ready(exp) {
		return false
	}
	return exp.LastEvaluatedAt == nil || now.Sub(*exp.LastEvaluatedAt) >= exp.EvaluationInterval
}

func ready(exp *models.ABTestExperiment) bool {
	return exp.Champion.SampleCount >= exp.MinimumSampleSize && exp.Challenger.SampleCount >= exp.MinimumSampleSize
}

func elapsed(exp *models.ABTestExperiment, now time.Time) bool {
	return exp.PlannedEndTime != nil && !now.Before(*exp.PlannedEndTime)
}

// Evaluate runs an evaluation pass. A decided experiment returns its frozen
// result unchanged.
func (m *Manager) Evaluate(ctx context.Context, experimentID string) (*models.EvaluationResult, error) {
	e, err := m.entry(experimentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status == models.ExperimentCompleted && e.exp.FinalDecision != "" {
		return frozenResult(e.exp), nil
	}
	if e.exp.Status != models.ExperimentRunning {
		return nil, notReady(e.exp, "experiment is "+string(e.exp.Status))
	}
	if !ready(e.exp) && !elapsed(e.exp, m.now()) {
		return nil, notReady(e.exp, fmt.Sprintf("need %d samples per arm, have %d champion and %d challenger",
			e.exp.MinimumSampleSize, e.exp.Champion.SampleCount, e.exp.Challenger.SampleCount))
	}
	return m.evaluateLocked(ctx, e)
}

func notReady(exp *models.ABTestExperiment, details string) error {
	return errors.NewValidationError(errors.CodeExperimentNotReady, "experiment not ready for evaluation").
		WithDetails(details).
		WithContext("experiment_id", exp.ExperimentID).
		WithCause(errors.ErrExperimentNotReady)
}

// evaluateLocked runs the tests and applies the decision. Callers hold e.mu.
func (m *Manager) evaluateLocked(ctx context.Context, e *entry) (*models.EvaluationResult, error) {
	ctx, span := m.tracer.Start(ctx, "experiments.evaluate", trace.WithAttributes(
		attribute.String("experiment_id", e.exp.ExperimentID),
		attribute.String("model_type", string(e.exp.ModelType)),
	))
	defer span.End()

	now := m.now()
	exp := e.exp

	results := make(map[string]models.MetricResult, len(exp.SuccessMetrics))
	for _, metric := range exp.SuccessMetrics {
		results[metric] = analyzeMetric(exp, metric)
	}
	decision, reason, confidence := decide(exp, results, elapsed(exp, now))
	span.SetAttributes(attribute.String("decision", string(decision)), attribute.Float64("confidence", confidence))

	snapshot := models.ExperimentSnapshot{
		Timestamp:         now,
		ChampionSamples:   exp.Champion.SampleCount,
		ChallengerSamples: exp.Challenger.SampleCount,
		Results:           results,
		Decision:          decision,
		Confidence:        confidence,
	}

	updated := exp.Clone()
	updated.StatisticalResults = results
	updated.LastEvaluatedAt = &now
	updated.DailyResults = append(updated.DailyResults, snapshot)
	updated.UpdatedAt = now

	final := decision != models.DecisionExtend
	if final {
		updated.Status = models.ExperimentCompleted
		updated.FinalDecision = decision
		updated.DecisionReason = reason
		updated.DecisionConfidence = confidence
		updated.DecisionTimestamp = &now
		updated.EndTime = &now
	} else {
		updated.Alerts = append(updated.Alerts, degradationAlerts(results, now)...)
	}

	if err := m.store.SaveExperiment(ctx, updated); err != nil {
		span.RecordError(err)
		if !final {
			e.exp = updated
			e.dirty = true
			m.logger.WithError(err).WithField("experiment_id", exp.ExperimentID).
				Warn("Evaluation snapshot not persisted; will retry")
			return m.result(updated, decision, reason, confidence, results, now, false), nil
		}
		return nil, m.fail(ctx, e, updated, err)
	}
	e.exp = updated
	e.dirty = false

	m.writeSnapshot(ctx, updated, snapshot)
	m.metrics.RecordEvaluation(updated.ModelType, decision, results, updated.ExperimentID)

	fields := logrus.Fields{
		"experiment_id": updated.ExperimentID,
		"model_type":    updated.ModelType,
		"decision":      decision,
		"confidence":    confidence,
	}
	if !final {
		m.logger.WithFields(fields).Debug("Experiment evaluated")
		return m.result(updated, decision, reason, confidence, results, now, false), nil
	}

	m.logger.WithFields(fields).WithField("reason", reason).Info("Experiment decided")
	m.emit(ctx, updated)
	return m.result(updated, decision, reason, confidence, results, now, true), nil
}

// fail marks the experiment failed after its decision could not be persisted
func (m *Manager) fail(ctx context.Context, e *entry, updated *models.ABTestExperiment, cause error) error {
	failed := e.exp.Clone()
	now := m.now()
	failed.Status = models.ExperimentFailed
	failed.EndTime = &now
	failed.UpdatedAt = now
	failed.StatisticalResults = updated.StatisticalResults
	failed.DailyResults = updated.DailyResults
	failed.LastEvaluatedAt = updated.LastEvaluatedAt
	failed.DecisionReason = fmt.Sprintf("Decision %s could not be persisted: %v", updated.FinalDecision, cause)
	e.exp = failed
	e.dirty = true

	if err := m.store.SaveExperiment(ctx, failed); err == nil {
		e.dirty = false
	}

	m.metrics.RecordError("experiments", string(errors.ErrorTypeStorage))
	m.logger.WithError(cause).WithField("experiment_id", failed.ExperimentID).Error("Experiment failed while recording decision")
	return errors.NewStorageIOError("record_store", "save", failed.ExperimentID, cause)
}

func degradationAlerts(results map[string]models.MetricResult, now time.Time) []models.ExperimentAlert {
	var alerts []models.ExperimentAlert
	for metric, r := range results {
		if r.Degraded {
			alerts = append(alerts, models.ExperimentAlert{
				Metric:    metric,
				Message:   fmt.Sprintf("challenger degrades %s by %.1f%% (p=%.4f)", metric, r.EffectSize*100, r.PValue),
				Timestamp: now,
			})
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Metric < alerts[j].Metric })
	return alerts
}

func (m *Manager) result(exp *models.ABTestExperiment, decision models.Decision, reason string, confidence float64, results map[string]models.MetricResult, at time.Time, final bool) *models.EvaluationResult {
	return &models.EvaluationResult{
		ExperimentID: exp.ExperimentID,
		Decision:     decision,
		Reason:       reason,
		Confidence:   confidence,
		Results:      results,
		Final:        final,
		EvaluatedAt:  at,
	}
}

func frozenResult(exp *models.ABTestExperiment) *models.EvaluationResult {
	r := &models.EvaluationResult{
		ExperimentID: exp.ExperimentID,
		Decision:     exp.FinalDecision,
		Reason:       exp.DecisionReason,
		Confidence:   exp.DecisionConfidence,
		Results:      exp.Clone().StatisticalResults,
		Final:        true,
	}
	if exp.DecisionTimestamp != nil {
		r.EvaluatedAt = *exp.DecisionTimestamp
	}
	return r
}

func (m *Manager) writeSnapshot(ctx context.Context, exp *models.ABTestExperiment, snapshot models.ExperimentSnapshot) {
	if m.sink == nil {
		return
	}
	if err := m.sink.WriteSnapshot(ctx, exp, snapshot); err != nil {
		m.logger.WithError(err).WithField("experiment_id", exp.ExperimentID).Warn("Failed to write experiment snapshot")
	}
}

// emit delivers a decision without blocking the evaluating caller
func (m *Manager) emit(ctx context.Context, exp *models.ABTestExperiment) {
	decision, ok := exp.DecisionRecord()
	if !ok {
		return
	}

	select {
	case m.decisions <- decision:
	default:
		m.logger.WithField("experiment_id", exp.ExperimentID).Warn("Decision channel full; left for the decision sweep")
	}

	m.publish(ctx, &models.Event{
		Type:         models.EventExperimentDecided,
		ModelType:    exp.ModelType,
		ExperimentID: exp.ExperimentID,
		VersionID:    exp.ChallengerVersionID,
		Payload: map[string]interface{}{
			"decision":   string(exp.FinalDecision),
			"confidence": exp.DecisionConfidence,
			"reason":     exp.DecisionReason,
		},
	})
}

// Stop ends a running experiment without a decision
func (m *Manager) Stop(ctx context.Context, experimentID, reason string) error {
	e, err := m.entry(experimentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status != models.ExperimentRunning {
		return errors.NewValidationError(errors.CodeInvalidTransition, "only running experiments can be stopped").
			WithContext("experiment_id", experimentID).
			WithContext("status", e.exp.Status)
	}

	now := m.now()
	updated := e.exp.Clone()
	updated.Status = models.ExperimentStopped
	updated.EndTime = &now
	updated.DecisionReason = "Manually stopped: " + reason
	updated.UpdatedAt = now

	if err := m.store.SaveExperiment(ctx, updated); err != nil {
		return err
	}
	e.exp = updated
	e.dirty = false

	m.logger.WithFields(logrus.Fields{
		"experiment_id": experimentID,
		"reason":        reason,
	}).Info("Stopped experiment")

	m.publish(ctx, &models.Event{
		Type:         models.EventExperimentStopped,
		ModelType:    updated.ModelType,
		ExperimentID: experimentID,
		Payload:      map[string]interface{}{"reason": reason},
	})
	return nil
}

// GetExperiment returns a copy of an experiment
func (m *Manager) GetExperiment(ctx context.Context, experimentID string) (*models.ABTestExperiment, error) {
	e, err := m.entry(experimentID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exp.Clone(), nil
}

// ListExperiments returns experiments matching filter, newest first
func (m *Manager) ListExperiments(ctx context.Context, filter models.ExperimentFilter) []*models.ABTestExperiment {
	var out []*models.ABTestExperiment
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		if filter.Matches(e.exp) {
			out = append(out, e.exp.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveVersionIDs lists the versions referenced by pending or running experiments
func (m *Manager) ActiveVersionIDs() []string {
	var ids []string
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		if !e.exp.Status.IsTerminal() {
			ids = append(ids, e.exp.ChampionVersionID, e.exp.ChallengerVersionID)
		}
		e.mu.Unlock()
	}
	return ids
}

// Run evaluates due experiments on every tick until ctx is cancelled, then
// flushes unsaved observations.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.config.EvaluatorInterval
	if interval <= 0 {
		interval = constants.DefaultEvaluatorTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.WithField("interval", interval.String()).Info("Started experiment evaluator")

	for {
		select {
		case <-ctx.Done():
			m.flush(context.Background())
			m.logger.Info("Stopped experiment evaluator")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every due experiment once and persists pending observations
func (m *Manager) Tick(ctx context.Context) {
	for _, e := range m.snapshotEntries() {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		if m.due(e.exp) {
			if _, err := m.evaluateLocked(ctx, e); err != nil {
				m.logger.WithError(err).WithField("experiment_id", e.exp.ExperimentID).Error("Scheduled evaluation failed")
			}
		} else if e.dirty {
			m.saveDirty(ctx, e)
		}
		e.mu.Unlock()
	}
}

func (m *Manager) flush(ctx context.Context) {
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		if e.dirty {
			m.saveDirty(ctx, e)
		}
		e.mu.Unlock()
	}
}

func (m *Manager) saveDirty(ctx context.Context, e *entry) {
	if err := m.store.SaveExperiment(ctx, e.exp); err != nil {
		m.logger.WithError(err).WithField("experiment_id", e.exp.ExperimentID).Warn("Failed to persist observations")
		return
	}
	e.dirty = false
}

func (m *Manager) entry(experimentID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[experimentID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	return e, nil
}

func (m *Manager) snapshotEntries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries
}

func (m *Manager) publish(ctx context.Context, event *models.Event) {
	if m.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}
