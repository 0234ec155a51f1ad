package experiments

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/models"
)

// Test names recorded on each metric result
const (
	TestTwoProportionZ = "two_proportion_z"
	TestWelchT         = "welch_t"
)

// significanceTest is the outcome of comparing one metric across the arms
type significanceTest struct {
	name      string
	statistic float64
	pValue    float64
}

// compareArms picks the test from the data: two-proportion z when both arms
// only ever saw 0/1 values, Welch's t otherwise.
func compareArms(champion, challenger *models.MetricStats) (significanceTest, error) {
	if champion == nil || champion.Count == 0 {
		return significanceTest{}, fmt.Errorf("no champion observations")
	}
	if challenger == nil || challenger.Count == 0 {
		return significanceTest{}, fmt.Errorf("no challenger observations")
	}
	if champion.Binary && challenger.Binary {
		return twoProportionZ(champion, challenger), nil
	}
	return welchT(champion, challenger)
}

// twoProportionZ runs the pooled two-sided z-test for a difference in proportions
func twoProportionZ(a, b *models.MetricStats) significanceTest {
	n1, n2 := float64(a.Count), float64(b.Count)
	pooled := (a.Mean*n1 + b.Mean*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))

	t := significanceTest{name: TestTwoProportionZ}
	if se == 0 || math.IsNaN(se) {
		t.pValue = degeneratePValue(a.Mean, b.Mean)
		return t
	}

	t.statistic = (b.Mean - a.Mean) / se
	normal := distuv.Normal{Mu: 0, Sigma: 1}
	t.pValue = 2 * (1 - normal.CDF(math.Abs(t.statistic)))
	return t
}

// welchT runs the two-sided unequal-variance t-test
func welchT(a, b *models.MetricStats) (significanceTest, error) {
	if a.Count < 2 || b.Count < 2 {
		return significanceTest{}, fmt.Errorf("welch t-test needs at least 2 observations per arm, got %d and %d", a.Count, b.Count)
	}

	n1, n2 := float64(a.Count), float64(b.Count)
	v1, v2 := a.Variance()/n1, b.Variance()/n2
	se := math.Sqrt(v1 + v2)

	t := significanceTest{name: TestWelchT}
	if se == 0 {
		t.pValue = degeneratePValue(a.Mean, b.Mean)
		return t, nil
	}

	t.statistic = (b.Mean - a.Mean) / se

	// Welch-Satterthwaite degrees of freedom
	df := (v1 + v2) * (v1 + v2) / (v1*v1/(n1-1) + v2*v2/(n2-1))
	if math.IsNaN(df) || df <= 0 {
		return significanceTest{}, fmt.Errorf("degenerate degrees of freedom")
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	t.pValue = 2 * (1 - dist.CDF(math.Abs(t.statistic)))
	return t, nil
}

// degeneratePValue handles zero variance: identical means are
// indistinguishable, different constant means are certain.
func degeneratePValue(a, b float64) float64 {
	if a == b {
		return 1
	}
	return 0
}

// effectSize is the relative change of the challenger over the champion
func effectSize(champion, challenger float64) float64 {
	return (challenger - champion) / math.Max(math.Abs(champion), constants.EffectSizeBaselineFloor)
}

// analyzeMetric fills a MetricResult for one success metric. Errors are
// recorded on the result and never abort the evaluation.
func analyzeMetric(exp *models.ABTestExperiment, metric string) models.MetricResult {
	champion := exp.Champion.Metrics[metric]
	challenger := exp.Challenger.Metrics[metric]

	result := models.MetricResult{Metric: metric}
	if champion != nil {
		result.ChampionMean = champion.Mean
		result.ChampionSamples = champion.Count
	}
	if challenger != nil {
		result.ChallengerMean = challenger.Mean
		result.ChallengerSamples = challenger.Count
	}

	test, err := compareArms(champion, challenger)
	if err != nil {
		result.Error = err.Error()
		result.PValue = 1
		return result
	}

	result.TestName = test.name
	result.Statistic = test.statistic
	result.PValue = test.pValue
	result.EffectSize = effectSize(champion.Mean, challenger.Mean)
	result.IsStatisticallySignificant = test.pValue < exp.StatisticalSignificanceThreshold
	result.IsPracticallySignificant = math.Abs(result.EffectSize) > exp.PracticalSignificanceThreshold

	if result.IsStatisticallySignificant && result.IsPracticallySignificant {
		better := result.EffectSize > 0
		if exp.IsLowerBetter(metric) {
			better = !better
		}
		result.Improved = better
		result.Degraded = !better
	}
	return result
}
