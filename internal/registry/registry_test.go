package registry

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/internal/artifacts"
	"github.com/inferloop/modelops/internal/predictor"
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
	registry  *Registry
	store     *storage.MemoryStore
	artifacts *artifacts.LocalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	local, err := artifacts.NewLocalStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	reg, err := NewRegistry(&Config{RetentionDays: 30, CleanupInterval: time.Hour}, Dependencies{
		Store:     store,
		Artifacts: local,
		Codec:     predictor.NewJSONCodec(),
	}, testLogger())
	require.NoError(t, err)
	return &fixture{registry: reg, store: store, artifacts: local}
}

func leadModel(t *testing.T) *predictor.LinearModel {
	t.Helper()
	m, err := predictor.NewLinearModel("lead", []string{"visits", "opens"},
		map[string]float64{"visits": 0.4, "opens": 0.2}, -1, predictor.LinkLogistic)
	require.NoError(t, err)
	return m
}

func (f *fixture) register(t *testing.T, kind semver.IncrementKind, parent string) *models.ModelVersion {
	t.Helper()
	v, err := f.registry.RegisterVersion(context.Background(), RegisterRequest{
		Predictor:        leadModel(t),
		ModelName:        "lead-scorer",
		ModelType:        models.ModelTypeLeadScoring,
		Metrics:          models.ModelMetrics{Accuracy: 0.82, Precision: 0.7, Recall: 0.65},
		TrainingDataHash: "data-1",
		ParentVersionID:  parent,
		Increment:        kind,
	})
	require.NoError(t, err)
	return v
}

func TestRegisterVersionSemanticVersions(t *testing.T) {
	f := newFixture(t)

	first := f.register(t, "", "")
	assert.Equal(t, "1.0.0", first.SemanticVersion)
	assert.Equal(t, models.VersionStatusStaging, first.Status)
	assert.Equal(t, models.ApprovalPending, first.ApprovalStatus)
	assert.Len(t, first.ArtifactHash, 64)
	assert.Equal(t, map[string]string{"visits": "float64", "opens": "float64"}, first.FeatureSchema)
	assert.Equal(t, 2, first.PerformanceMetrics.FeatureCount)

	assert.Equal(t, "1.0.1", f.register(t, semver.Patch, "").SemanticVersion)
	assert.Equal(t, "1.1.0", f.register(t, semver.Minor, "").SemanticVersion)
	assert.Equal(t, "2.0.0", f.register(t, semver.Major, "").SemanticVersion)

	// 1.1.0 is taken, so the child moves past the latest version.
	child := f.register(t, semver.Minor, first.VersionID)
	assert.Equal(t, "2.1.0", child.SemanticVersion)
	assert.Equal(t, first.VersionID, child.ParentVersionID)

	// Registration never promotes.
	_, err := f.registry.GetProductionVersion(context.Background(), models.ModelTypeLeadScoring)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegisterVersionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.RegisterVersion(ctx, RegisterRequest{ModelType: models.ModelTypeLeadScoring})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "predictor")
	assert.Contains(t, err.Error(), "model_name")

	_, err = f.registry.RegisterVersion(ctx, RegisterRequest{
		Predictor: leadModel(t), ModelName: "lead", ModelType: models.ModelTypeLeadScoring, Increment: "huge",
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = f.registry.RegisterVersion(ctx, RegisterRequest{
		Predictor: leadModel(t), ModelName: "lead", ModelType: models.ModelTypeLeadScoring, ParentVersionID: "nope",
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	list, err := f.registry.ListVersions(ctx, models.VersionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegisterVersionConcurrentIsMonotonic(t *testing.T) {
	f := newFixture(t)

	const n = 8
	model := leadModel(t)
	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.registry.RegisterVersion(context.Background(), RegisterRequest{
				Predictor: model,
				ModelName: "lead-scorer",
				ModelType: models.ModelTypeLeadScoring,
			})
			if err == nil {
				results <- v.SemanticVersion
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for v := range results {
		assert.False(t, seen[v], "duplicate version %s", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
	for i := 0; i < n; i++ {
		assert.True(t, seen[semver.Format(1, 0, i)])
	}
}

func TestRegisterChildrenOfOneParentAreMonotonic(t *testing.T) {
	f := newFixture(t)

	parent := f.register(t, "", "")
	first := f.register(t, semver.Patch, parent.VersionID)
	second := f.register(t, semver.Patch, parent.VersionID)
	third := f.register(t, semver.Minor, parent.VersionID)

	assert.Equal(t, "1.0.0", parent.SemanticVersion)
	assert.Equal(t, "1.0.1", first.SemanticVersion)
	assert.Equal(t, "1.0.2", second.SemanticVersion)
	assert.Equal(t, "1.1.0", third.SemanticVersion)
	assert.Equal(t, 1, semver.Compare(second.SemanticVersion, first.SemanticVersion))
	assert.Equal(t, 1, semver.Compare(third.SemanticVersion, second.SemanticVersion))
	assert.Equal(t, parent.VersionID, second.ParentVersionID)
}

func TestRegisterVersionRecordsComplianceChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tracked := f.register(t, "", "")
	assert.Equal(t, map[string]bool{
		models.ComplianceArtifactHashed:      true,
		models.ComplianceTrainingDataTracked: true,
		models.ComplianceFeatureSchema:       true,
		models.ComplianceMetricsReported:     true,
	}, tracked.ComplianceChecks)

	untracked, err := f.registry.RegisterVersion(ctx, RegisterRequest{
		Predictor: leadModel(t),
		ModelName: "lead-scorer",
		ModelType: models.ModelTypeLeadScoring,
	})
	require.NoError(t, err)
	assert.False(t, untracked.ComplianceChecks[models.ComplianceTrainingDataTracked])
	assert.False(t, untracked.ComplianceChecks[models.ComplianceMetricsReported])
	assert.True(t, untracked.ComplianceChecks[models.ComplianceArtifactHashed])

	stored, err := f.store.GetVersion(ctx, untracked.VersionID)
	require.NoError(t, err)
	assert.Equal(t, untracked.ComplianceChecks, stored.ComplianceChecks)
}

func TestFeatureSchemaFallsBackToTrainingColumns(t *testing.T) {
	schema := featureSchema(emptyPredictor{}, models.TrainingConfig{FeatureColumns: []string{"a", "b"}})
	assert.Equal(t, map[string]string{"a": "float64", "b": "float64"}, schema)
}

type emptyPredictor struct{}

func (emptyPredictor) Predict(context.Context, map[string]float64) (float64, error) { return 0, nil }
func (emptyPredictor) FeatureNames() []string                                     { return nil }

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.register(t, "", "")

	require.NoError(t, f.registry.Approve(ctx, v.VersionID, "alice", "looks good"))
	got, err := f.registry.GetVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.ApprovalStatus)
	assert.Equal(t, "alice", got.ApprovedBy)
	assert.NotNil(t, got.ApprovalTimestamp)
	assert.Equal(t, models.VersionStatusStaging, got.Status)

	stored, err := f.store.GetVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, stored.ApprovalStatus)

	require.NoError(t, f.registry.Reject(ctx, v.VersionID, "bob", "drift"))
	got, err = f.registry.GetVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, got.ApprovalStatus)

	err = f.registry.Approve(ctx, v.VersionID, "", "")
	assert.True(t, errors.IsValidation(err))

	err = f.registry.Approve(ctx, "missing", "alice", "")
	assert.True(t, errors.IsNotFound(err))
}

func promote(t *testing.T, f *fixture, v *models.ModelVersion) {
	t.Helper()
	ctx := context.Background()
	err := f.registry.MovePointer(ctx, PointerMove{
		ModelType:  v.ModelType,
		PreviousID: f.registry.Pointers().Get(v.ModelType),
		NextID:     v.VersionID,
		Strategy:   models.StrategyImmediate,
		DemoteTo:   models.VersionStatusStaging,
	})
	require.NoError(t, err)
}

func TestPromotionDemotesPreviousHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "", "")
	b := f.register(t, "", "")

	promote(t, f, a)
	promote(t, f, b)

	prod, err := f.registry.GetProductionVersion(ctx, models.ModelTypeLeadScoring)
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, prod.VersionID)
	assert.Equal(t, models.VersionStatusProduction, prod.Status)
	assert.Equal(t, models.StrategyImmediate, prod.DeploymentStrategy)

	gotA, err := f.registry.GetVersion(ctx, a.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusStaging, gotA.Status)

	production, err := f.registry.ListVersions(ctx, models.VersionFilter{Status: models.VersionStatusProduction})
	require.NoError(t, err)
	assert.Len(t, production, 1)
}

func TestMovePointerConflictLeavesVersionsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "", "")
	b := f.register(t, "", "")
	promote(t, f, a)

	err := f.registry.MovePointer(ctx, PointerMove{
		ModelType:  models.ModelTypeLeadScoring,
		PreviousID: "stale",
		NextID:     b.VersionID,
		Strategy:   models.StrategyImmediate,
		DemoteTo:   models.VersionStatusStaging,
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPointerConflict))

	gotB, err := f.registry.GetVersion(ctx, b.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusStaging, gotB.Status)
	assert.Equal(t, a.VersionID, f.registry.Pointers().Get(models.ModelTypeLeadScoring))
}

func TestReviewDuringPromotionKeepsProductionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		v := f.register(t, "", "")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, f.registry.Approve(ctx, v.VersionID, "alice", "looks good"))
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.registry.MovePointer(ctx, PointerMove{
				ModelType:  v.ModelType,
				PreviousID: f.registry.Pointers().Get(v.ModelType),
				NextID:     v.VersionID,
				Strategy:   models.StrategyImmediate,
				DemoteTo:   models.VersionStatusStaging,
			}))
		}()
		wg.Wait()

		holder, err := f.registry.GetProductionVersion(ctx, models.ModelTypeLeadScoring)
		require.NoError(t, err)
		assert.Equal(t, v.VersionID, holder.VersionID)
		assert.Equal(t, models.VersionStatusProduction, holder.Status)
		assert.Equal(t, models.ApprovalApproved, holder.ApprovalStatus)

		stored, err := f.store.GetVersion(ctx, v.VersionID)
		require.NoError(t, err)
		assert.Equal(t, models.VersionStatusProduction, stored.Status)
	}

	production, err := f.registry.ListVersions(ctx, models.VersionFilter{Status: models.VersionStatusProduction})
	require.NoError(t, err)
	assert.Len(t, production, 1)
}

func TestDeprecateClearsProductionSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.register(t, "", "")
	promote(t, f, v)

	require.NoError(t, f.registry.Deprecate(ctx, v.VersionID, "superseded"))

	got, err := f.registry.GetVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusDeprecated, got.Status)
	assert.NotNil(t, got.DeprecatedAt)
	assert.Equal(t, "superseded", got.Metadata["deprecation_reason"])

	assert.Equal(t, "", f.registry.Pointers().Get(models.ModelTypeLeadScoring))
	pointers, err := f.store.LoadPointers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pointers)

	_, err = f.registry.GetProductionVersion(ctx, models.ModelTypeLeadScoring)
	assert.True(t, errors.IsNotFound(err))

	err = f.registry.Approve(ctx, v.VersionID, "alice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), errors.CodeVersionDeprecated)

	// Deprecating twice is a no-op.
	require.NoError(t, f.registry.Deprecate(ctx, v.VersionID, "again"))
}

func TestCompareVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "", "")

	b, err := f.registry.RegisterVersion(ctx, RegisterRequest{
		Predictor:        leadModel(t),
		ModelName:        "lead-scorer",
		ModelType:        models.ModelTypeLeadScoring,
		Metrics:          models.ModelMetrics{Accuracy: 0.85, Precision: 0.7, Recall: 0.6},
		TrainingDataHash: "data-2",
		Increment:        semver.Major,
		Metadata:         map[string]interface{}{"owner": "growth"},
	})
	require.NoError(t, err)

	cmp, err := f.registry.CompareVersions(ctx, a.VersionID, b.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cmp.SemanticA)
	assert.Equal(t, "2.0.0", cmp.SemanticB)
	assert.False(t, cmp.Compatible)
	assert.False(t, cmp.SameTrainingData)
	assert.InDelta(t, 0.03, cmp.MetricDeltas["accuracy"].Delta, 1e-9)
	assert.InDelta(t, -0.05, cmp.MetricDeltas["recall"].Delta, 1e-9)
	assert.Equal(t, [2]interface{}{"data-1", "data-2"}, cmp.MetadataChanges["training_data_hash"])
	assert.Equal(t, [2]interface{}{nil, "growth"}, cmp.MetadataChanges["metadata.owner"])

	// Side-effect free.
	again, err := f.registry.GetVersion(ctx, a.VersionID)
	require.NoError(t, err)
	assert.Equal(t, a.UpdatedAt, again.UpdatedAt)
}

func TestLineage(t *testing.T) {
	f := newFixture(t)
	root := f.register(t, "", "")
	child := f.register(t, semver.Minor, root.VersionID)
	grandchild := f.register(t, semver.Patch, child.VersionID)

	chain, err := f.registry.Lineage(context.Background(), grandchild.VersionID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, grandchild.VersionID, chain[0].VersionID)
	assert.Equal(t, child.VersionID, chain[1].VersionID)
	assert.Equal(t, root.VersionID, chain[2].VersionID)
}

func TestLoadRebuildsFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.register(t, "", "")
	promote(t, f, v)

	reloaded, err := NewRegistry(nil, Dependencies{
		Store:     f.store,
		Artifacts: f.artifacts,
		Codec:     predictor.NewJSONCodec(),
	}, testLogger())
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))

	prod, err := reloaded.GetProductionVersion(ctx, models.ModelTypeLeadScoring)
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, prod.VersionID)

	next, err := reloaded.RegisterVersion(ctx, RegisterRequest{
		Predictor: leadModel(t), ModelName: "lead-scorer", ModelType: models.ModelTypeLeadScoring,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", next.SemanticVersion)
}

func age(t *testing.T, f *fixture, versionID string, days int) {
	t.Helper()
	old := time.Now().AddDate(0, 0, -days)
	require.NoError(t, os.Chtimes(f.artifacts.ArtifactPath(versionID), old, old))
}

func TestCleanupArtifactsKeepsProtectedVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prod := f.register(t, "", "")
	staging := f.register(t, "", "")
	retired := f.register(t, "", "")
	pinned := f.register(t, "", "")
	promote(t, f, prod)
	require.NoError(t, f.registry.Deprecate(ctx, retired.VersionID, "old"))
	require.NoError(t, f.registry.Deprecate(ctx, pinned.VersionID, "old"))
	f.registry.SetInFlightProvider(func(context.Context) []string { return []string{pinned.VersionID} })

	for _, v := range []*models.ModelVersion{prod, staging, retired, pinned} {
		age(t, f, v.VersionID, 120)
	}

	removed, err := f.registry.CleanupArtifacts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = f.artifacts.Load(ctx, retired.VersionID)
	assert.True(t, errors.IsNotFound(err))
	for _, v := range []*models.ModelVersion{prod, staging, pinned} {
		rc, _, err := f.artifacts.Load(ctx, v.VersionID)
		require.NoError(t, err, v.VersionID)
		rc.Close()
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "", "")
	f.register(t, "", "")
	promote(t, f, a)
	require.NoError(t, f.registry.Approve(ctx, a.VersionID, "alice", ""))

	summary, err := f.registry.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalVersions)
	assert.Equal(t, 1, summary.ByStatus[models.VersionStatusProduction])
	assert.Equal(t, 1, summary.PendingApprovals)
	assert.Equal(t, a.VersionID, summary.ProductionVersions[models.ModelTypeLeadScoring])
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Start(ctx))
	err := f.registry.Start(ctx)
	assert.True(t, errors.IsValidation(err))
	require.NoError(t, f.registry.Stop(ctx))
	require.NoError(t, f.registry.Stop(ctx))
}

func TestPointersCompareAndSwap(t *testing.T) {
	p := NewPointers()
	ctx := context.Background()

	require.NoError(t, p.CompareAndSwap(ctx, models.ModelTypeChurnPrediction, "", "v1", nil))
	assert.Equal(t, "v1", p.Get(models.ModelTypeChurnPrediction))

	err := p.CompareAndSwap(ctx, models.ModelTypeChurnPrediction, "", "v2", nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.True(t, stderrors.Is(err, errors.ErrPointerConflict))

	boom := stderrors.New("commit failed")
	err = p.CompareAndSwap(ctx, models.ModelTypeChurnPrediction, "v1", "v2", func() error { return boom })
	assert.Equal(t, boom, err)
	assert.Equal(t, "v1", p.Get(models.ModelTypeChurnPrediction))

	holder, ok := p.HolderOf("v1")
	assert.True(t, ok)
	assert.Equal(t, models.ModelTypeChurnPrediction, holder)

	p.Restore(map[models.ModelType]string{models.ModelTypeLeadScoring: "x"})
	assert.Equal(t, "", p.Get(models.ModelTypeChurnPrediction))
	assert.Equal(t, map[models.ModelType]string{models.ModelTypeLeadScoring: "x"}, p.Snapshot())
}

func TestPointersSingleWinner(t *testing.T) {
	p := NewPointers()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if p.CompareAndSwap(ctx, models.ModelTypeLeadScoring, "", id, nil) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
