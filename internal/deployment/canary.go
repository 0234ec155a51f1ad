package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// CanaryObservation is the traffic seen during one canary step
type CanaryObservation struct {
	ModelType   models.ModelType
	CandidateID string
	BaselineID  string
	Percentage  int
	Candidate   interfaces.ServingStats
	Baseline    interfaces.ServingStats
}

// CanaryVerdict decides whether a step may advance
type CanaryVerdict struct {
	Passed bool
	Reason string
}

// CanaryAnalyzer judges each canary step
type CanaryAnalyzer interface {
	Analyze(ctx context.Context, obs CanaryObservation) CanaryVerdict
}

// ErrorRateAnalyzer fails a step when the candidate's error rate exceeds the
// limit or when the step saw fewer requests than required
type ErrorRateAnalyzer struct {
	MaxErrorRate float64
	MinRequests  int64
}

func (a ErrorRateAnalyzer) Analyze(ctx context.Context, obs CanaryObservation) CanaryVerdict {
	if obs.Candidate.Requests < a.MinRequests {
		return CanaryVerdict{Reason: fmt.Sprintf("only %d requests at %d%%, need %d", obs.Candidate.Requests, obs.Percentage, a.MinRequests)}
	}
	rate := obs.Candidate.ErrorRate()
	if rate > a.MaxErrorRate {
		return CanaryVerdict{Reason: fmt.Sprintf("error rate %.4f exceeds %.4f at %d%%", rate, a.MaxErrorRate, obs.Percentage)}
	}
	return CanaryVerdict{Passed: true, Reason: fmt.Sprintf("error rate %.4f over %d requests", rate, obs.Candidate.Requests)}
}

// statsDelta is the traffic accumulated between two readings
func statsDelta(before, after interfaces.ServingStats) interfaces.ServingStats {
	d := interfaces.ServingStats{
		Requests: after.Requests - before.Requests,
		Errors:   after.Errors - before.Errors,
	}
	if d.Requests > 0 {
		total := after.Latency*float64(after.Requests) - before.Latency*float64(before.Requests)
		d.Latency = total / float64(d.Requests)
	}
	return d
}

// wait blocks for d or until ctx is done
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
