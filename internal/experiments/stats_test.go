package experiments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/pkg/models"
)

func binaryStats(successes, total int) *models.MetricStats {
	s := models.NewMetricStats()
	for i := 0; i < total; i++ {
		if i < successes {
			s.Observe(1)
		} else {
			s.Observe(0)
		}
	}
	return s
}

func continuousStats(values ...float64) *models.MetricStats {
	s := models.NewMetricStats()
	for _, v := range values {
		s.Observe(v)
	}
	return s
}

func testExperiment(metrics ...string) *models.ABTestExperiment {
	return &models.ABTestExperiment{
		SuccessMetrics:                   metrics,
		StatisticalSignificanceThreshold: 0.05,
		PracticalSignificanceThreshold:   0.01,
		Champion:                         models.NewArmStats(),
		Challenger:                       models.NewArmStats(),
	}
}

func TestCompareArmsTwoProportionZ(t *testing.T) {
	test, err := compareArms(binaryStats(80, 100), binaryStats(90, 100))
	require.NoError(t, err)

	assert.Equal(t, TestTwoProportionZ, test.name)
	assert.InDelta(t, 1.980, test.statistic, 0.001)
	assert.InDelta(t, 0.0477, test.pValue, 0.0005)
}

func TestCompareArmsWelchT(t *testing.T) {
	champion := continuousStats(10.1, 9.8, 10.3, 9.9, 10.0, 10.2)
	challenger := continuousStats(11.0, 11.3, 10.8, 11.1, 11.2, 10.9)

	test, err := compareArms(champion, challenger)
	require.NoError(t, err)

	assert.Equal(t, TestWelchT, test.name)
	assert.Greater(t, test.statistic, 0.0)
	assert.Less(t, test.pValue, 0.001)
}

func TestWelchTNeedsTwoSamples(t *testing.T) {
	_, err := compareArms(continuousStats(0.5), continuousStats(0.7, 0.8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 observations")
}

func TestCompareArmsWithoutObservations(t *testing.T) {
	_, err := compareArms(nil, binaryStats(1, 2))
	require.EqualError(t, err, "no champion observations")

	_, err = compareArms(binaryStats(1, 2), models.NewMetricStats())
	require.EqualError(t, err, "no challenger observations")
}

func TestZeroVariance(t *testing.T) {
	same, err := compareArms(continuousStats(0.5, 0.5, 0.5), continuousStats(0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, 1.0, same.pValue)

	different, err := compareArms(continuousStats(0.5, 0.5), continuousStats(0.7, 0.7))
	require.NoError(t, err)
	assert.Equal(t, 0.0, different.pValue)

	allOnes, err := compareArms(binaryStats(10, 10), binaryStats(10, 10))
	require.NoError(t, err)
	assert.Equal(t, TestTwoProportionZ, allOnes.name)
	assert.Equal(t, 1.0, allOnes.pValue)
}

func TestEffectSizeUsesBaselineFloor(t *testing.T) {
	assert.InDelta(t, 0.125, effectSize(0.8, 0.9), 1e-9)
	assert.InDelta(t, 100.0, effectSize(0, 0.1), 1e-9)
	assert.InDelta(t, -0.5, effectSize(-2, -3), 1e-9)
}

func TestAnalyzeMetricLowerIsBetter(t *testing.T) {
	exp := testExperiment("latency")
	exp.LowerIsBetter = []string{"latency"}
	exp.Champion.Metrics["latency"] = continuousStats(120, 125, 130, 118, 122, 127)
	exp.Challenger.Metrics["latency"] = continuousStats(90, 95, 92, 88, 94, 91)

	r := analyzeMetric(exp, "latency")
	require.Empty(t, r.Error)
	assert.Less(t, r.EffectSize, 0.0)
	assert.True(t, r.IsStatisticallySignificant)
	assert.True(t, r.Improved)
	assert.False(t, r.Degraded)
}

func TestAnalyzeMetricRecordsErrors(t *testing.T) {
	exp := testExperiment("auc_score")

	r := analyzeMetric(exp, "auc_score")
	assert.Equal(t, "no champion observations", r.Error)
	assert.Equal(t, 1.0, r.PValue)
	assert.False(t, r.Improved)
	assert.False(t, r.Degraded)
}

func TestDecide(t *testing.T) {
	improved := models.MetricResult{Improved: true, PValue: 0.01, ChampionMean: 0.8, ChallengerMean: 0.9}
	degraded := models.MetricResult{Degraded: true, PValue: 0.01, ChampionMean: 0.9, ChallengerMean: 0.8}
	flat := models.MetricResult{PValue: 0.5, ChampionMean: 0.8, ChallengerMean: 0.8}

	tests := []struct {
		name       string
		metrics    []string
		results    map[string]models.MetricResult
		elapsed    bool
		decision   models.Decision
		confidence float64
	}{
		{
			name:       "all improve",
			metrics:    []string{"a", "b"},
			results:    map[string]models.MetricResult{"a": improved, "b": improved},
			decision:   models.DecisionPromote,
			confidence: 0.9,
		},
		{
			name:       "net improvement",
			metrics:    []string{"a", "b", "c", "d", "e"},
			results:    map[string]models.MetricResult{"a": improved, "b": improved, "c": improved, "d": degraded, "e": flat},
			decision:   models.DecisionPromote,
			confidence: 0.7,
		},
		{
			name:       "degradation wins",
			metrics:    []string{"a", "b"},
			results:    map[string]models.MetricResult{"a": degraded, "b": flat},
			decision:   models.DecisionReject,
			confidence: 0.8,
		},
		{
			name:       "timeout",
			metrics:    []string{"a"},
			results:    map[string]models.MetricResult{"a": flat},
			elapsed:    true,
			decision:   models.DecisionReject,
			confidence: 0.6,
		},
		{
			name:       "tie extends",
			metrics:    []string{"a", "b"},
			results:    map[string]models.MetricResult{"a": improved, "b": degraded},
			decision:   models.DecisionExtend,
			confidence: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, reason, confidence := decide(testExperiment(tt.metrics...), tt.results, tt.elapsed)
			assert.Equal(t, tt.decision, decision)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
			assert.Contains(t, reason, ". Details: ")
		})
	}
}

func TestExtendConfidence(t *testing.T) {
	exp := testExperiment("a", "b", "c")
	results := map[string]models.MetricResult{
		"a": {PValue: 0.1},
		"b": {PValue: 0.5},
		"c": {PValue: 1, Error: "no champion observations"},
	}

	// 0.5 * (0.5 + 0.1 + 0) / 3
	assert.InDelta(t, 0.1, extendConfidence(exp, results), 1e-9)
}

func TestDetailsAreSortedByMetric(t *testing.T) {
	out := details(map[string]models.MetricResult{
		"recall":   {ChampionMean: 0.6, ChallengerMean: 0.6, PValue: 0.9},
		"accuracy": {ChampionMean: 0.8, ChallengerMean: 0.9, PValue: 0.0477, Improved: true},
	})
	assert.Equal(t, "accuracy: +0.100 (significant, p=0.0477), recall: +0.000 (not significant, p=0.9000)", out)
}
