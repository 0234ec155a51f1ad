package experiments

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/internal/storage"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

type fakeVersions map[string]*models.ModelVersion

func (f fakeVersions) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	v, ok := f[id]
	if !ok {
		return nil, errors.NewNotFoundError("version", id)
	}
	return v, nil
}

type flakyStore struct {
	*storage.MemoryStore
	failExperiments atomic.Bool
}

func (s *flakyStore) SaveExperiment(ctx context.Context, e *models.ABTestExperiment) error {
	if s.failExperiments.Load() {
		return stderrors.New("disk full")
	}
	return s.MemoryStore.SaveExperiment(ctx, e)
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []models.ExperimentSnapshot
}

func (s *recordingSink) WriteSnapshot(ctx context.Context, e *models.ABTestExperiment, snapshot models.ExperimentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	manager *Manager
	store   *flakyStore
	sink    *recordingSink
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	versions := fakeVersions{
		"v1":    {VersionID: "v1", ModelType: models.ModelTypeLeadScoring, SemanticVersion: "1.0.0"},
		"v2":    {VersionID: "v2", ModelType: models.ModelTypeLeadScoring, SemanticVersion: "1.1.0"},
		"churn": {VersionID: "churn", ModelType: models.ModelTypeChurnPrediction, SemanticVersion: "1.0.0"},
	}
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	sink := &recordingSink{}

	m, err := NewManager(&Config{EvaluatorInterval: 10 * time.Millisecond, DecisionBuffer: 4}, Dependencies{
		Store:    store,
		Versions: versions,
		Sink:     sink,
	}, logger)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m.now = c.Now
	return &fixture{manager: m, store: store, sink: sink, clock: c}
}

func every(d time.Duration) *time.Duration { return &d }

func (f *fixture) running(t *testing.T, config models.ExperimentConfig) *models.ABTestExperiment {
	t.Helper()
	ctx := context.Background()
	exp, err := f.manager.CreateExperiment(ctx, "v1", "v2", config)
	require.NoError(t, err)
	require.NoError(t, f.manager.Start(ctx, exp.ExperimentID))
	return exp
}

// feed records successes ones and total-successes zeros for metric on one arm
func (f *fixture) feed(t *testing.T, id string, variant models.Variant, metric string, successes, total int) *models.EvaluationResult {
	t.Helper()
	var last *models.EvaluationResult
	for i := 0; i < total; i++ {
		value := 0.0
		if i < successes {
			value = 1
		}
		result, err := f.manager.RecordOutcome(context.Background(), id, variant, metric, value)
		require.NoError(t, err)
		if result != nil {
			last = result
		}
	}
	return last
}

func leadScoringConfig() models.ExperimentConfig {
	return models.ExperimentConfig{
		TrafficSplit:       0.2,
		MinimumSampleSize:  100,
		SuccessMetrics:     []string{"accuracy"},
		EvaluationInterval: every(0),
	}
}

func TestLeadScoringChallengerIsPromoted(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())

	assert.Nil(t, f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 80, 100))
	result := f.feed(t, exp.ExperimentID, models.VariantChallenger, "accuracy", 90, 100)

	require.NotNil(t, result)
	assert.Equal(t, models.DecisionPromote, result.Decision)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.True(t, result.Final)
	assert.Contains(t, result.Reason, "accuracy: +0.100 (significant, p=0.0477)")

	accuracy := result.Results["accuracy"]
	assert.Equal(t, TestTwoProportionZ, accuracy.TestName)
	assert.InDelta(t, 0.125, accuracy.EffectSize, 1e-6)

	stored, err := f.store.GetExperiment(context.Background(), exp.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentCompleted, stored.Status)
	assert.Equal(t, models.DecisionPromote, stored.FinalDecision)
	assert.NotNil(t, stored.EndTime)
	assert.Len(t, stored.DailyResults, 1)
	assert.Len(t, f.sink.snapshots, 1)

	select {
	case d := <-f.manager.Decisions():
		assert.Equal(t, exp.ExperimentID, d.ExperimentID)
		assert.Equal(t, "v2", d.ChallengerVersionID)
		assert.Equal(t, models.DecisionPromote, d.Decision)
	default:
		t.Fatal("expected a decision on the channel")
	}
}

func TestEvaluateIsIdempotentOnceDecided(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())
	f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 80, 100)
	first := f.feed(t, exp.ExperimentID, models.VariantChallenger, "accuracy", 90, 100)
	require.NotNil(t, first)

	f.clock.Advance(time.Hour)
	again, err := f.manager.Evaluate(context.Background(), exp.ExperimentID)
	require.NoError(t, err)

	assert.Equal(t, first.Decision, again.Decision)
	assert.Equal(t, first.Reason, again.Reason)
	assert.Equal(t, first.EvaluatedAt, again.EvaluatedAt)
	assert.Len(t, f.sink.snapshots, 1)

	_, err = f.manager.RecordOutcome(context.Background(), exp.ExperimentID, models.VariantChampion, "accuracy", 1)
	assert.True(t, errors.IsValidation(err))
}

func TestEvaluateNotReady(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())
	f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 8, 10)

	_, err := f.manager.Evaluate(context.Background(), exp.ExperimentID)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.ErrorIs(t, err, errors.ErrExperimentNotReady)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeExperimentNotReady, appErr.Code)
}

func TestTimeoutRejectsWithoutSignificance(t *testing.T) {
	f := newFixture(t)
	config := leadScoringConfig()
	config.MaximumDuration = 48 * time.Hour
	exp := f.running(t, config)

	f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 2, 3)
	f.feed(t, exp.ExperimentID, models.VariantChallenger, "accuracy", 2, 3)

	f.clock.Advance(49 * time.Hour)
	result, err := f.manager.Evaluate(context.Background(), exp.ExperimentID)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionReject, result.Decision)
	assert.InDelta(t, 0.6, result.Confidence, 1e-9)
	assert.Contains(t, result.Reason, "No significant improvement after maximum test duration")
}

func TestExtendKeepsRunningAndRaisesAlerts(t *testing.T) {
	f := newFixture(t)
	config := leadScoringConfig()
	config.SuccessMetrics = []string{"accuracy", "conversion"}
	config.MinimumSampleSize = 200
	exp := f.running(t, config)

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		_, err := f.manager.RecordObservation(ctx, exp.ExperimentID, models.VariantChampion, map[string]float64{
			"accuracy":   float64(i % 2),
			"conversion": boolFloat(i%10 < 8),
		})
		require.NoError(t, err)
	}
	var result *models.EvaluationResult
	for i := 0; i < 200; i++ {
		r, err := f.manager.RecordObservation(ctx, exp.ExperimentID, models.VariantChallenger, map[string]float64{
			"accuracy":   boolFloat(i%10 < 7),
			"conversion": boolFloat(i%10 < 6),
		})
		require.NoError(t, err)
		if r != nil {
			result = r
		}
	}

	require.NotNil(t, result)
	assert.Equal(t, models.DecisionExtend, result.Decision)
	assert.False(t, result.Final)
	assert.True(t, result.Results["accuracy"].Improved)
	assert.True(t, result.Results["conversion"].Degraded)

	got, err := f.manager.GetExperiment(ctx, exp.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentRunning, got.Status)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "conversion", got.Alerts[0].Metric)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func TestDecisionPersistenceFailureMarksExperimentFailed(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())
	f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 80, 100)
	f.feed(t, exp.ExperimentID, models.VariantChallenger, "accuracy", 90, 99)

	f.store.failExperiments.Store(true)
	_, err := f.manager.RecordOutcome(context.Background(), exp.ExperimentID, models.VariantChallenger, "accuracy", 0)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))

	got, err := f.manager.GetExperiment(context.Background(), exp.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentFailed, got.Status)
	assert.Empty(t, got.FinalDecision)

	select {
	case d := <-f.manager.Decisions():
		t.Fatalf("unexpected decision %v", d)
	default:
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.manager.CreateExperiment(ctx, "v1", "v2", leadScoringConfig())
	require.NoError(t, err)
	err = f.manager.Stop(ctx, pending.ExperimentID, "operator")
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, f.manager.Start(ctx, pending.ExperimentID))
	require.NoError(t, f.manager.Stop(ctx, pending.ExperimentID, "bad traffic"))

	got, err := f.manager.GetExperiment(ctx, pending.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStopped, got.Status)
	assert.Equal(t, "Manually stopped: bad traffic", got.DecisionReason)
	assert.NotNil(t, got.EndTime)

	_, err = f.manager.Evaluate(ctx, pending.ExperimentID)
	assert.ErrorIs(t, err, errors.ErrExperimentNotReady)
}

func TestCreateExperimentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateExperiment(ctx, "v1", "v1", models.ExperimentConfig{})
	assert.True(t, errors.IsValidation(err))

	_, err = f.manager.CreateExperiment(ctx, "v1", "missing", models.ExperimentConfig{})
	assert.True(t, errors.IsNotFound(err))

	_, err = f.manager.CreateExperiment(ctx, "v1", "churn", models.ExperimentConfig{})
	assert.True(t, errors.IsValidation(err))

	_, err = f.manager.CreateExperiment(ctx, "v1", "v2", models.ExperimentConfig{TrafficSplit: 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traffic_split")

	_, err = f.manager.CreateExperiment(ctx, "v1", "v2", models.ExperimentConfig{StatisticalSignificanceThreshold: 2})
	assert.Contains(t, err.Error(), "statistical_significance_threshold")

	assert.Empty(t, f.manager.ListExperiments(ctx, models.ExperimentFilter{}))
}

func TestCreateExperimentDefaults(t *testing.T) {
	f := newFixture(t)
	exp, err := f.manager.CreateExperiment(context.Background(), "v1", "v2", models.ExperimentConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.ExperimentPending, exp.Status)
	assert.Equal(t, 0.1, exp.TrafficSplit)
	assert.Equal(t, []string{"accuracy", "auc_score"}, exp.SuccessMetrics)
	assert.Equal(t, int64(1000), exp.MinimumSampleSize)
	assert.Equal(t, 14*24*time.Hour, exp.MaximumDuration)
	assert.Equal(t, 0.05, exp.StatisticalSignificanceThreshold)
	assert.Equal(t, 0.01, exp.PracticalSignificanceThreshold)
	assert.Equal(t, 24*time.Hour, exp.EvaluationInterval)
	assert.Equal(t, "lead_scoring 1.0.0 vs 1.1.0", exp.ExperimentName)
}

func TestAssignIsDeterministic(t *testing.T) {
	challengers := 0
	for i := 0; i < 10000; i++ {
		subject := fmt.Sprintf("subject-%d", i)
		first := Assign("exp-1", subject, 0.2)
		assert.Equal(t, first, Assign("exp-1", subject, 0.2))
		if first == models.VariantChallenger {
			challengers++
		}
	}
	assert.InDelta(t, 2000, challengers, 200)
}

func TestAssignVariant(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())

	v, err := f.manager.AssignVariant(exp.ExperimentID, "user-42")
	require.NoError(t, err)
	assert.Equal(t, Assign(exp.ExperimentID, "user-42", 0.2), v)

	_, err = f.manager.AssignVariant("missing", "user-42")
	assert.True(t, errors.IsNotFound(err))

	_, err = f.manager.AssignVariant(exp.ExperimentID, "")
	assert.True(t, errors.IsValidation(err))
}

func TestAssignVariantAfterStopServesChampion(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())

	subject := ""
	for i := 0; subject == ""; i++ {
		id := fmt.Sprintf("user-%d", i)
		if Assign(exp.ExperimentID, id, 0.2) == models.VariantChallenger {
			subject = id
		}
	}
	v, err := f.manager.AssignVariant(exp.ExperimentID, subject)
	require.NoError(t, err)
	assert.Equal(t, models.VariantChallenger, v)

	require.NoError(t, f.manager.Stop(context.Background(), exp.ExperimentID, "operator"))
	v, err = f.manager.AssignVariant(exp.ExperimentID, subject)
	require.NoError(t, err)
	assert.Equal(t, models.VariantChampion, v)
}

func TestRecordObservationRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())
	ctx := context.Background()

	_, err := f.manager.RecordObservation(ctx, exp.ExperimentID, "treatment", map[string]float64{"accuracy": 1})
	assert.True(t, errors.IsValidation(err))

	_, err = f.manager.RecordObservation(ctx, exp.ExperimentID, models.VariantChampion, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestLoadRestoresExperiments(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, leadScoringConfig())
	f.feed(t, exp.ExperimentID, models.VariantChampion, "accuracy", 5, 10)
	f.manager.Tick(context.Background())

	m2, err := NewManager(nil, Dependencies{Store: f.store, Versions: fakeVersions{}}, f.manager.logger)
	require.NoError(t, err)
	require.NoError(t, m2.Load(context.Background()))

	got, err := m2.GetExperiment(context.Background(), exp.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentRunning, got.Status)
	assert.Equal(t, int64(10), got.Champion.SampleCount)
	assert.InDelta(t, 0.5, got.Champion.Metrics["accuracy"].Mean, 1e-9)
}

func TestRunEvaluatesElapsedExperiments(t *testing.T) {
	f := newFixture(t)
	config := leadScoringConfig()
	config.MaximumDuration = time.Hour
	exp := f.running(t, config)
	f.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	select {
	case d := <-f.manager.Decisions():
		assert.Equal(t, exp.ExperimentID, d.ExperimentID)
		assert.Equal(t, models.DecisionReject, d.Decision)
	case <-time.After(5 * time.Second):
		t.Fatal("evaluator did not decide the elapsed experiment")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestActiveVersionIDs(t *testing.T) {
	f := newFixture(t)
	f.running(t, leadScoringConfig())

	assert.ElementsMatch(t, []string{"v1", "v2"}, f.manager.ActiveVersionIDs())
}
