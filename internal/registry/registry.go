// Package registry is the catalogue of registered model versions. It assigns
// semantic versions, persists artifacts, tracks approval and lifecycle status,
// and owns the production pointer map read by the serving path.
package registry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/semver"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// Config configures the registry
type Config struct {
	RetentionDays   int           `json:"retention_days" mapstructure:"retention_days"`
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// Dependencies are the collaborators a Registry is built from
type Dependencies struct {
	Store     interfaces.RecordStore
	Artifacts interfaces.ArtifactStore
	Codec     interfaces.PredictorCodec
	Pointers  *Pointers
	Publisher interfaces.EventPublisher
	Metrics   *metrics.PrometheusMetrics
}

// RegisterRequest carries a freshly trained model into the registry
type RegisterRequest struct {
	Predictor        interfaces.Predictor
	ModelName        string
	ModelType        models.ModelType
	Metrics          models.ModelMetrics
	TrainingConfig   models.TrainingConfig
	TrainingDataHash string
	ParentVersionID  string
	Increment        semver.IncrementKind
	TrainingJobID    string
	Description      string
	Tags             []string
	Dependencies     map[string]string
	Metadata         map[string]interface{}
}

// Registry manages model versions and their lifecycle
type Registry struct {
	logger    *logrus.Logger
	config    *Config
	store     interfaces.RecordStore
	artifacts interfaces.ArtifactStore
	codec     interfaces.PredictorCodec
	pointers  *Pointers
	publisher interfaces.EventPublisher
	metrics   *metrics.PrometheusMetrics

	mu       sync.RWMutex
	versions map[string]*models.ModelVersion

	linesMu sync.Mutex
	lines   map[string]*sync.Mutex

	recordsMu sync.Mutex
	records   map[string]*sync.Mutex

	inFlight func(ctx context.Context) []string

	cronMu sync.Mutex
	cron   *cron.Cron

	now func() time.Time
}

// NewRegistry creates a registry; call Load to rebuild state from the record store
func NewRegistry(config *Config, deps Dependencies, logger *logrus.Logger) (*Registry, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "registry requires a record store")
	}
	if deps.Artifacts == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "registry requires an artifact store")
	}
	if deps.Codec == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "registry requires a predictor codec")
	}
	if deps.Pointers == nil {
		deps.Pointers = NewPointers()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Registry{
		logger:    logger,
		config:    config,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		codec:     deps.Codec,
		pointers:  deps.Pointers,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		versions:  make(map[string]*models.ModelVersion),
		lines:     make(map[string]*sync.Mutex),
		records:   make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// DefaultConfig returns the retention defaults
func DefaultConfig() *Config {
	return &Config{
		RetentionDays:   constants.DefaultRetentionDays,
		CleanupInterval: constants.DefaultCleanupInterval,
	}
}

// Pointers exposes the production pointer map
func (r *Registry) Pointers() *Pointers {
	return r.pointers
}

// Artifacts exposes the artifact store
func (r *Registry) Artifacts() interfaces.ArtifactStore {
	return r.artifacts
}

// Codec exposes the predictor codec
func (r *Registry) Codec() interfaces.PredictorCodec {
	return r.codec
}

// SetInFlightProvider installs the source of version ids that cleanup must keep
func (r *Registry) SetInFlightProvider(fn func(ctx context.Context) []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = fn
}

// Load rebuilds the catalogue and the pointer map from the record store
func (r *Registry) Load(ctx context.Context) error {
	versions, err := r.store.ListVersions(ctx, models.VersionFilter{})
	if err != nil {
		return err
	}
	pointers, err := r.store.LoadPointers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.versions = make(map[string]*models.ModelVersion, len(versions))
	for _, v := range versions {
		r.versions[v.VersionID] = v
	}
	r.mu.Unlock()

	r.pointers.Restore(pointers)

	r.logger.WithFields(logrus.Fields{
		"versions": len(versions),
		"pointers": len(pointers),
	}).Info("Loaded model registry")
	return nil
}

func (r *Registry) lineLock(name string, modelType models.ModelType) *sync.Mutex {
	key := string(modelType) + "/" + name
	r.linesMu.Lock()
	defer r.linesMu.Unlock()
	l, ok := r.lines[key]
	if !ok {
		l = &sync.Mutex{}
		r.lines[key] = l
	}
	return l
}

// lockVersions serialises writes to the given version records. Locks are
// taken in id order; the pointer slot is only ever locked after them.
func (r *Registry) lockVersions(ids ...string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, len(sorted))
	r.recordsMu.Lock()
	for i, id := range sorted {
		l, ok := r.records[id]
		if !ok {
			l = &sync.Mutex{}
			r.records[id] = l
		}
		locks[i] = l
	}
	r.recordsMu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// RegisterVersion persists the predictor and inserts a new staging version
func (r *Registry) RegisterVersion(ctx context.Context, req RegisterRequest) (*models.ModelVersion, error) {
	kind, err := r.validateRegister(&req)
	if err != nil {
		return nil, err
	}

	line := r.lineLock(req.ModelName, req.ModelType)
	line.Lock()
	defer line.Unlock()

	semanticVersion, err := r.nextSemanticVersion(req.ModelName, req.ModelType, req.ParentVersionID, kind)
	if err != nil {
		return nil, err
	}

	versionID := uuid.New().String()
	info, err := r.storeArtifact(ctx, versionID, req, semanticVersion)
	if err != nil {
		return nil, err
	}

	now := r.now()
	version := &models.ModelVersion{
		VersionID:          versionID,
		ModelName:          req.ModelName,
		SemanticVersion:    semanticVersion,
		ModelType:          req.ModelType,
		ArtifactPath:       info.Path,
		ArtifactHash:       info.Hash,
		ArtifactSizeMB:     info.SizeMB,
		PerformanceMetrics: req.Metrics,
		TrainingConfig:     req.TrainingConfig,
		TrainingDataHash:   req.TrainingDataHash,
		TrainingJobID:      req.TrainingJobID,
		ParentVersionID:    req.ParentVersionID,
		FeatureSchema:      featureSchema(req.Predictor, req.TrainingConfig),
		Dependencies:       req.Dependencies,
		Status:             models.VersionStatusStaging,
		ApprovalStatus:     models.ApprovalPending,
		Description:        req.Description,
		Tags:               req.Tags,
		Metadata:           req.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if version.PerformanceMetrics.FeatureCount == 0 {
		version.PerformanceMetrics.FeatureCount = len(version.FeatureSchema)
	}
	version.ComplianceChecks = complianceChecks(version)

	if err := r.store.SaveVersion(ctx, version); err != nil {
		r.logger.WithError(err).WithField("version_id", versionID).
			Warn("Version record not saved; artifact left for retention cleanup")
		return nil, err
	}

	r.mu.Lock()
	r.versions[versionID] = version.Clone()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"version_id":       versionID,
		"model_name":       req.ModelName,
		"model_type":       req.ModelType,
		"semantic_version": semanticVersion,
		"artifact_hash":    info.Hash,
	}).Info("Registered model version")
	r.metrics.RecordVersionRegistered(req.ModelType)

	r.publish(ctx, &models.Event{
		Type:      models.EventVersionRegistered,
		ModelType: req.ModelType,
		VersionID: versionID,
		Payload: map[string]interface{}{
			"model_name":       req.ModelName,
			"semantic_version": semanticVersion,
		},
	})

	return version, nil
}

func (r *Registry) validateRegister(req *RegisterRequest) (semver.IncrementKind, error) {
	verrs := errors.NewValidationErrors()
	if req.Predictor == nil {
		verrs.Add("predictor", errors.CodeMissingField, "predictor is required", nil)
	}
	if req.ModelName == "" {
		verrs.Add("model_name", errors.CodeMissingField, "model name is required", nil)
	}
	if req.ModelType == "" {
		verrs.Add("model_type", errors.CodeMissingField, "model type is required", nil)
	}
	if verrs.HasErrors() {
		return "", verrs.AsAppError()
	}
	return semver.ParseIncrementKind(string(req.Increment))
}

// nextSemanticVersion is called with the (name, type) line lock held
func (r *Registry) nextSemanticVersion(name string, modelType models.ModelType, parentID string, kind semver.IncrementKind) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := ""
	for _, v := range r.versions {
		if v.ModelName != name || v.ModelType != modelType {
			continue
		}
		if latest == "" || semver.Compare(v.SemanticVersion, latest) > 0 {
			latest = v.SemanticVersion
		}
	}

	if parentID != "" {
		parent, ok := r.versions[parentID]
		if !ok {
			return "", errors.NewNotFoundError("parent version", parentID)
		}
		candidate, err := semver.Increment(parent.SemanticVersion, kind)
		if err != nil {
			return "", err
		}
		// a sibling may already hold the parent's successor
		if latest == "" || semver.Compare(candidate, latest) > 0 {
			return candidate, nil
		}
	}

	if latest == "" {
		return constants.InitialSemanticVersion, nil
	}
	return semver.Increment(latest, kind)
}

func (r *Registry) storeArtifact(ctx context.Context, versionID string, req RegisterRequest, semanticVersion string) (*models.ArtifactInfo, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.codec.Encode(req.Predictor, pw))
	}()
	defer pr.Close()

	return r.artifacts.Store(ctx, versionID, pr, map[string]interface{}{
		"model_name":       req.ModelName,
		"model_type":       string(req.ModelType),
		"semantic_version": semanticVersion,
		"format":           r.codec.Format(),
	})
}

// featureSchema prefers the predictor's own feature names over the training config
func featureSchema(p interfaces.Predictor, cfg models.TrainingConfig) map[string]string {
	names := p.FeatureNames()
	if len(names) == 0 {
		names = cfg.FeatureColumns
	}
	schema := make(map[string]string, len(names))
	for _, n := range names {
		schema[n] = "float64"
	}
	return schema
}

func complianceChecks(v *models.ModelVersion) map[string]bool {
	m := v.PerformanceMetrics
	return map[string]bool{
		models.ComplianceArtifactHashed:      v.ArtifactHash != "",
		models.ComplianceTrainingDataTracked: v.TrainingDataHash != "",
		models.ComplianceFeatureSchema:       len(v.FeatureSchema) > 0,
		models.ComplianceMetricsReported:     m.Accuracy > 0 || m.Precision > 0 || m.Recall > 0 || m.AUCScore > 0,
	}
}

// GetVersion returns a copy of a registered version
func (r *Registry) GetVersion(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	r.mu.RLock()
	v, ok := r.versions[versionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("version", versionID)
	}
	return v.Clone(), nil
}

// ListVersions returns versions matching filter, newest first
func (r *Registry) ListVersions(ctx context.Context, filter models.VersionFilter) ([]*models.ModelVersion, error) {
	r.mu.RLock()
	out := make([]*models.ModelVersion, 0, len(r.versions))
	for _, v := range r.versions {
		if filter.Matches(v) {
			out = append(out, v.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return semver.Compare(out[i].SemanticVersion, out[j].SemanticVersion) > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetProductionVersion returns the version the pointer map names for modelType
func (r *Registry) GetProductionVersion(ctx context.Context, modelType models.ModelType) (*models.ModelVersion, error) {
	id := r.pointers.Get(modelType)
	if id == "" {
		return nil, errors.NewNotFoundError("production version", string(modelType))
	}
	return r.GetVersion(ctx, id)
}

// Approve marks a version approved; lifecycle status is unchanged
func (r *Registry) Approve(ctx context.Context, versionID, approver, notes string) error {
	return r.review(ctx, versionID, approver, notes, models.ApprovalApproved)
}

// Reject marks a version rejected; lifecycle status is unchanged
func (r *Registry) Reject(ctx context.Context, versionID, reviewer, notes string) error {
	return r.review(ctx, versionID, reviewer, notes, models.ApprovalRejected)
}

func (r *Registry) review(ctx context.Context, versionID, reviewer, notes string, outcome models.ApprovalStatus) error {
	if reviewer == "" {
		return errors.NewValidationError(errors.CodeMissingField, "reviewer is required")
	}

	unlock := r.lockVersions(versionID)
	defer unlock()

	v, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status == models.VersionStatusDeprecated {
		return errors.NewValidationError(errors.CodeVersionDeprecated,
			fmt.Sprintf("version %s is deprecated", versionID))
	}

	now := r.now()
	v.ApprovalStatus = outcome
	v.ApprovedBy = reviewer
	v.ApprovalTimestamp = &now
	v.ApprovalNotes = notes
	v.UpdatedAt = now

	if err := r.save(ctx, v); err != nil {
		return err
	}

	eventType := models.EventVersionApproved
	if outcome == models.ApprovalRejected {
		eventType = models.EventVersionRejected
	}
	r.logger.WithFields(logrus.Fields{
		"version_id": versionID,
		"reviewer":   reviewer,
		"outcome":    outcome,
	}).Info("Reviewed model version")
	r.publish(ctx, &models.Event{Type: eventType, ModelType: v.ModelType, VersionID: versionID,
		Payload: map[string]interface{}{"reviewer": reviewer, "notes": notes}})
	return nil
}

// Deprecate retires a version. A version holding a production slot clears
// the slot; nothing is promoted in its place.
func (r *Registry) Deprecate(ctx context.Context, versionID, reason string) error {
	unlock := r.lockVersions(versionID)
	defer unlock()

	v, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status == models.VersionStatusDeprecated {
		return nil
	}

	now := r.now()
	v.Status = models.VersionStatusDeprecated
	v.DeprecatedAt = &now
	v.UpdatedAt = now
	if v.Metadata == nil {
		v.Metadata = make(map[string]interface{})
	}
	v.Metadata["deprecation_reason"] = reason

	cleared := false
	if modelType, holds := r.pointers.HolderOf(versionID); holds {
		err := r.pointers.CompareAndSwap(ctx, modelType, versionID, "", func() error {
			return r.store.CommitPromotion(ctx, &models.PromotionCommit{
				ModelType:         modelType,
				PreviousVersionID: versionID,
				NewVersionID:      "",
				Versions:          []*models.ModelVersion{v},
			})
		})
		switch {
		case err == nil:
			cleared = true
			r.cache(v)
		case errors.IsConflict(err):
			// the slot moved on meanwhile; only the status changes
		default:
			return err
		}
	}
	if !cleared {
		if err := r.save(ctx, v); err != nil {
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"version_id":      versionID,
		"reason":          reason,
		"production_slot": cleared,
	}).Info("Deprecated model version")

	r.publish(ctx, &models.Event{Type: models.EventVersionDeprecated, ModelType: v.ModelType, VersionID: versionID,
		Payload: map[string]interface{}{"reason": reason, "cleared_production": cleared}})
	if cleared {
		r.publish(ctx, &models.Event{Type: models.EventPointerChanged, ModelType: v.ModelType,
			Payload: map[string]interface{}{"previous_version_id": versionID, "new_version_id": ""}})
	}
	return nil
}

// PointerMove describes one production pointer change. The outgoing holder
// is demoted to DemoteTo: staging on promotion, deprecated on rollback.
type PointerMove struct {
	ModelType  models.ModelType
	PreviousID string
	NextID     string
	Strategy   models.DeploymentStrategy
	DemoteTo   models.VersionStatus
	Deployment *models.DeploymentRecord
}

// MovePointer swaps the production pointer from move.PreviousID to
// move.NextID and commits the status changes of both versions and the
// deployment record with it. Both version records are locked for the
// duration, so concurrent reviews and deprecations see the result.
func (r *Registry) MovePointer(ctx context.Context, move PointerMove) error {
	unlock := r.lockVersions(move.PreviousID, move.NextID)
	defer unlock()

	versions, err := r.promotionUpdates(ctx, move)
	if err != nil {
		return err
	}

	err = r.pointers.CompareAndSwap(ctx, move.ModelType, move.PreviousID, move.NextID, func() error {
		return r.store.CommitPromotion(ctx, &models.PromotionCommit{
			ModelType:         move.ModelType,
			PreviousVersionID: move.PreviousID,
			NewVersionID:      move.NextID,
			Deployment:        move.Deployment,
			Versions:          versions,
		})
	})
	if err != nil {
		return err
	}

	for _, v := range versions {
		r.cache(v)
	}
	return nil
}

// promotionUpdates is called with both version records locked
func (r *Registry) promotionUpdates(ctx context.Context, move PointerMove) ([]*models.ModelVersion, error) {
	now := r.now()
	var updates []*models.ModelVersion

	if move.NextID != "" {
		next, err := r.GetVersion(ctx, move.NextID)
		if err != nil {
			return nil, err
		}
		next.Status = models.VersionStatusProduction
		next.DeploymentStrategy = move.Strategy
		next.DeploymentTimestamp = &now
		next.DeprecatedAt = nil
		next.UpdatedAt = now
		updates = append(updates, next)
	}

	if move.PreviousID != "" && move.PreviousID != move.NextID {
		prev, err := r.GetVersion(ctx, move.PreviousID)
		if err != nil {
			return nil, err
		}
		prev.Status = move.DemoteTo
		if move.DemoteTo == models.VersionStatusDeprecated {
			prev.DeprecatedAt = &now
		}
		prev.UpdatedAt = now
		updates = append(updates, prev)
	}
	return updates, nil
}

// CompareVersions reports how version b differs from version a
func (r *Registry) CompareVersions(ctx context.Context, idA, idB string) (*models.VersionComparison, error) {
	a, err := r.GetVersion(ctx, idA)
	if err != nil {
		return nil, err
	}
	b, err := r.GetVersion(ctx, idB)
	if err != nil {
		return nil, err
	}

	cmp := &models.VersionComparison{
		VersionA:         idA,
		VersionB:         idB,
		SemanticA:        a.SemanticVersion,
		SemanticB:        b.SemanticVersion,
		Compatible:       semver.IsCompatible(a.SemanticVersion, b.SemanticVersion),
		MetricDeltas:     make(map[string]models.MetricDelta),
		MetadataChanges:  make(map[string][2]interface{}),
		SizeDeltaMB:      b.ArtifactSizeMB - a.ArtifactSizeMB,
		SameTrainingData: a.TrainingDataHash != "" && a.TrainingDataHash == b.TrainingDataHash,
	}

	metricsA, metricsB := a.PerformanceMetrics.AsMap(), b.PerformanceMetrics.AsMap()
	for name := range unionKeys(metricsA, metricsB) {
		va, vb := metricsA[name], metricsB[name]
		cmp.MetricDeltas[name] = models.MetricDelta{VersionA: va, VersionB: vb, Delta: vb - va}
	}

	fields := map[string][2]interface{}{
		"model_name":         {a.ModelName, b.ModelName},
		"algorithm":          {a.TrainingConfig.Algorithm, b.TrainingConfig.Algorithm},
		"training_data_hash": {a.TrainingDataHash, b.TrainingDataHash},
		"feature_count":      {len(a.FeatureSchema), len(b.FeatureSchema)},
	}
	for name, pair := range fields {
		if pair[0] != pair[1] {
			cmp.MetadataChanges[name] = pair
		}
	}
	for name := range unionKeys(a.Metadata, b.Metadata) {
		va, vb := a.Metadata[name], b.Metadata[name]
		if fmt.Sprint(va) != fmt.Sprint(vb) {
			cmp.MetadataChanges["metadata."+name] = [2]interface{}{va, vb}
		}
	}
	return cmp, nil
}

func unionKeys[V any](a, b map[string]V) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

// Lineage returns the version followed by its ancestors, nearest first
func (r *Registry) Lineage(ctx context.Context, versionID string) ([]*models.ModelVersion, error) {
	v, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	chain := []*models.ModelVersion{v}
	seen := map[string]bool{versionID: true}
	for v.ParentVersionID != "" && !seen[v.ParentVersionID] {
		parent, err := r.GetVersion(ctx, v.ParentVersionID)
		if err != nil {
			r.logger.WithField("version_id", v.ParentVersionID).Warn("Lineage stops at unknown parent")
			break
		}
		seen[parent.VersionID] = true
		chain = append(chain, parent)
		v = parent
	}
	return chain, nil
}

// CleanupArtifacts backs up and removes artifacts older than retentionDays.
// Production and staging versions and versions named by in-flight
// deployments are kept.
func (r *Registry) CleanupArtifacts(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = r.config.RetentionDays
	}
	if retentionDays <= 0 {
		return 0, errors.NewValidationError(errors.CodeOutOfRange, "retention days must be positive")
	}
	protected := make(map[string]bool)

	r.mu.RLock()
	for id, v := range r.versions {
		if v.Status == models.VersionStatusProduction || v.Status == models.VersionStatusStaging {
			protected[id] = true
		}
	}
	inFlight := r.inFlight
	r.mu.RUnlock()

	for _, id := range r.pointers.Snapshot() {
		protected[id] = true
	}
	if inFlight != nil {
		for _, id := range inFlight(ctx) {
			protected[id] = true
		}
	}

	removed, err := r.artifacts.CleanupOlderThan(ctx, retentionDays, func(versionID string) bool {
		return protected[versionID]
	})
	r.metrics.RecordArtifactsRemoved(removed)
	if err != nil {
		r.metrics.RecordError("registry", string(errors.TypeOf(err)))
		return removed, err
	}

	r.logger.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"removed":        removed,
		"protected":      len(protected),
	}).Info("Artifact cleanup finished")
	return removed, nil
}

// Summary aggregates catalogue counters
func (r *Registry) Summary(ctx context.Context) (*models.RegistrySummary, error) {
	summary := &models.RegistrySummary{
		ByStatus:           make(map[models.VersionStatus]int),
		ByModelType:        make(map[models.ModelType]int),
		ProductionVersions: r.pointers.Snapshot(),
		GeneratedAt:        r.now(),
	}

	r.mu.RLock()
	for _, v := range r.versions {
		summary.TotalVersions++
		summary.ByStatus[v.Status]++
		summary.ByModelType[v.ModelType]++
		if v.ApprovalStatus == models.ApprovalPending && v.Status != models.VersionStatusDeprecated {
			summary.PendingApprovals++
		}
	}
	r.mu.RUnlock()

	running, err := r.store.ListExperiments(ctx, models.ExperimentFilter{Status: models.ExperimentRunning})
	if err != nil {
		return nil, err
	}
	summary.RunningExperiments = len(running)

	deployments, err := r.store.ListDeployments(ctx, models.DeploymentFilter{})
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		if d.Status.IsActive() {
			summary.ActiveDeployments++
		}
	}
	r.metrics.SetRegistrySummary(summary)
	return summary, nil
}

// Start schedules the retention cleanup
func (r *Registry) Start(ctx context.Context) error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()

	if r.cron != nil {
		return errors.NewValidationError(errors.CodeInvalidTransition, "registry already started")
	}
	if r.config.RetentionDays <= 0 || r.config.CleanupInterval <= 0 {
		r.logger.Info("Artifact retention cleanup disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc("@every "+r.config.CleanupInterval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.CleanupArtifacts(ctx, r.config.RetentionDays); err != nil {
			r.logger.WithError(err).Error("Scheduled artifact cleanup failed")
		}
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidConfig, "invalid cleanup interval")
	}
	c.Start()
	r.cron = c

	r.logger.WithFields(logrus.Fields{
		"retention_days":   r.config.RetentionDays,
		"cleanup_interval": r.config.CleanupInterval.String(),
	}).Info("Started model registry")
	return nil
}

// Stop cancels the schedule and waits for a running cleanup to finish
func (r *Registry) Stop(ctx context.Context) error {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()

	if c == nil {
		return nil
	}
	r.logger.Info("Stopping model registry")

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) save(ctx context.Context, v *models.ModelVersion) error {
	if err := r.store.SaveVersion(ctx, v); err != nil {
		return err
	}
	r.cache(v)
	return nil
}

func (r *Registry) cache(v *models.ModelVersion) {
	r.mu.Lock()
	r.versions[v.VersionID] = v.Clone()
	r.mu.Unlock()
}

func (r *Registry) publish(ctx context.Context, event *models.Event) {
	if r.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}
