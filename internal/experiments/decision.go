package experiments

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/models"
)

// decide applies the promotion policy to the per-metric results. The share
// thresholds are taken over the configured success metrics, so a metric that
// could not be tested counts against promotion.
func decide(exp *models.ABTestExperiment, results map[string]models.MetricResult, durationElapsed bool) (models.Decision, string, float64) {
	total := len(exp.SuccessMetrics)
	improvements, degradations := 0, 0
	for _, r := range results {
		if r.Improved {
			improvements++
		}
		if r.Degraded {
			degradations++
		}
	}

	var (
		decision   models.Decision
		reason     string
		confidence float64
	)

	switch {
	case float64(improvements) >= constants.StrongPromoteShare*float64(total) && degradations == 0:
		decision = models.DecisionPromote
		reason = fmt.Sprintf("Challenger significantly outperforms champion on %d/%d metrics", improvements, total)
		confidence = constants.StrongPromoteConfidence

	case improvements > degradations && float64(improvements) >= constants.WeakPromoteShare*float64(total):
		decision = models.DecisionPromote
		reason = fmt.Sprintf("Challenger shows net improvement (%d improvements vs %d degradations)", improvements, degradations)
		confidence = constants.WeakPromoteConfidence

	case degradations > improvements:
		decision = models.DecisionReject
		reason = fmt.Sprintf("Challenger underperforms champion (%d degradations vs %d improvements)", degradations, improvements)
		confidence = constants.RejectConfidence

	case durationElapsed:
		decision = models.DecisionReject
		reason = "No significant improvement after maximum test duration"
		confidence = constants.TimeoutRejectConfidence

	default:
		decision = models.DecisionExtend
		reason = "No decisive difference yet, extending test"
		confidence = extendConfidence(exp, results)
	}

	return decision, reason + ". Details: " + details(results), confidence
}

// extendConfidence grows towards 0.5 as p-values approach the threshold
func extendConfidence(exp *models.ABTestExperiment, results map[string]models.MetricResult) float64 {
	if len(exp.SuccessMetrics) == 0 {
		return 0
	}
	alpha := exp.StatisticalSignificanceThreshold
	sum := 0.0
	for _, metric := range exp.SuccessMetrics {
		r, ok := results[metric]
		if !ok || r.Error != "" {
			continue
		}
		if r.PValue <= 0 {
			sum++
			continue
		}
		sum += math.Min(1, alpha/r.PValue)
	}
	return constants.ExtendConfidenceScale * sum / float64(len(exp.SuccessMetrics))
}

func details(results map[string]models.MetricResult) string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		r := results[name]
		delta := r.ChallengerMean - r.ChampionMean
		switch {
		case r.Error != "":
			parts = append(parts, fmt.Sprintf("%s: error (%s)", name, r.Error))
		case r.Improved:
			parts = append(parts, fmt.Sprintf("%s: %+.3f (significant, p=%.4f)", name, delta, r.PValue))
		case r.Degraded:
			parts = append(parts, fmt.Sprintf("%s: %+.3f (significant decline, p=%.4f)", name, delta, r.PValue))
		default:
			parts = append(parts, fmt.Sprintf("%s: %+.3f (not significant, p=%.4f)", name, delta, r.PValue))
		}
	}
	return strings.Join(parts, ", ")
}
