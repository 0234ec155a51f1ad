package deployment

import (
	"context"
	"fmt"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// rollout is the working state of one deployment attempt
type rollout struct {
	record  *models.DeploymentRecord
	version *models.ModelVersion
	request DeployRequest
}

func (r *rollout) modelType() models.ModelType { return r.version.ModelType }

func (r *rollout) note(format string, args ...interface{}) {
	r.record.Notes = append(r.record.Notes, fmt.Sprintf(format, args...))
}

// strategy is one rollout procedure. deploy performs the traffic steps, the
// health checks and, for pointer-moving strategies, the promotion. revert
// undoes traffic after a failed deploy; restore is the inverse traffic step
// of a rollback to targetID.
type strategy interface {
	deploy(ctx context.Context, r *rollout) error
	revert(r *rollout)
	restore(ctx context.Context, r *rollout, targetID string)
}

// strategyFor resolves the implementation for a strategy name
func (o *Orchestrator) strategyFor(s models.DeploymentStrategy) (strategy, error) {
	switch s {
	case models.StrategyImmediate:
		return &immediateStrategy{o: o}, nil
	case models.StrategyBlueGreen:
		return &blueGreenStrategy{o: o}, nil
	case models.StrategyCanary:
		return &canaryStrategy{o: o}, nil
	case models.StrategyABTest:
		return &abTestStrategy{o: o}, nil
	case models.StrategyShadow:
		return &shadowStrategy{o: o}, nil
	}
	return nil, errors.NewValidationError(errors.CodeUnsupportedStrategy, fmt.Sprintf("unsupported deployment strategy %q", s)).
		WithContext("supported", models.AllStrategies)
}

type immediateStrategy struct{ o *Orchestrator }

func (s *immediateStrategy) deploy(ctx context.Context, r *rollout) error {
	if err := s.o.healthCheck(ctx, r); err != nil {
		return err
	}
	return s.o.promote(ctx, r, func() {
		s.o.router.SetLive(r.modelType(), r.version.VersionID)
	})
}

func (s *immediateStrategy) revert(r *rollout) {}

func (s *immediateStrategy) restore(ctx context.Context, r *rollout, targetID string) {
	s.o.router.SetLive(r.modelType(), targetID)
}

type blueGreenStrategy struct{ o *Orchestrator }

func (s *blueGreenStrategy) deploy(ctx context.Context, r *rollout) error {
	slot := s.o.router.StageIdle(r.modelType(), r.version.VersionID)
	r.note("staged in %s slot", slot)

	if err := s.o.healthCheck(ctx, r); err != nil {
		return err
	}
	return s.o.promote(ctx, r, func() {
		live := s.o.router.SwitchSlots(r.modelType())
		r.note("switched live slot to %s", live)
	})
}

func (s *blueGreenStrategy) revert(r *rollout) {
	if s.o.router.Idle(r.modelType()) == r.version.VersionID {
		s.o.router.StageIdle(r.modelType(), "")
	}
}

func (s *blueGreenStrategy) restore(ctx context.Context, r *rollout, targetID string) {
	if s.o.router.Idle(r.modelType()) == targetID {
		s.o.router.SwitchSlots(r.modelType())
		return
	}
	s.o.router.SetLive(r.modelType(), targetID)
}

type canaryStrategy struct{ o *Orchestrator }

func (s *canaryStrategy) deploy(ctx context.Context, r *rollout) error {
	if err := s.o.healthCheck(ctx, r); err != nil {
		return err
	}

	steps, interval, err := s.o.canarySchedule(r.request)
	if err != nil {
		return err
	}

	modelType := r.modelType()
	candidate := r.version.VersionID
	baseline := r.record.PreviousVersionID

	for _, pct := range steps {
		candidateBefore := s.o.router.ServingStats(modelType, candidate)
		baselineBefore := s.o.router.ServingStats(modelType, baseline)
		s.o.router.SetCanary(modelType, candidate, pct)
		step := models.CanaryStep{Percentage: pct, StartedAt: s.o.now()}

		if err := wait(ctx, interval); err != nil {
			s.o.router.SetCanary(modelType, "", 0)
			step.Note = "interrupted"
			r.record.CanaryProgress = append(r.record.CanaryProgress, step)
			return s.o.interrupted(ctx, err)
		}

		obs := CanaryObservation{
			ModelType:   modelType,
			CandidateID: candidate,
			BaselineID:  baseline,
			Percentage:  pct,
			Candidate:   statsDelta(candidateBefore, s.o.router.ServingStats(modelType, candidate)),
			Baseline:    statsDelta(baselineBefore, s.o.router.ServingStats(modelType, baseline)),
		}
		verdict := s.o.analyzer.Analyze(ctx, obs)

		step.Passed = verdict.Passed
		step.Requests = obs.Candidate.Requests
		step.ErrorRate = obs.Candidate.ErrorRate()
		step.Note = verdict.Reason
		r.record.CanaryProgress = append(r.record.CanaryProgress, step)
		s.o.metrics.RecordCanaryStep(modelType, pct, verdict.Passed)
		s.o.saveProgress(ctx, r)

		if !verdict.Passed {
			s.o.router.SetCanary(modelType, "", 0)
			return errors.NewAppError(errors.ErrorTypeHealthCheck, errors.CodeCanaryRegression, "canary regression").
				WithDetails(verdict.Reason).
				WithContext("percentage", pct).
				WithContext("version_id", candidate)
		}
	}

	return s.o.promote(ctx, r, func() {
		s.o.router.SetLive(modelType, candidate)
		s.o.router.SetCanary(modelType, "", 0)
	})
}

func (s *canaryStrategy) revert(r *rollout) {
	if id, _ := s.o.router.Canary(r.modelType()); id == r.version.VersionID {
		s.o.router.SetCanary(r.modelType(), "", 0)
	}
}

func (s *canaryStrategy) restore(ctx context.Context, r *rollout, targetID string) {
	s.o.router.SetCanary(r.modelType(), "", 0)
	s.o.router.SetLive(r.modelType(), targetID)
}

type abTestStrategy struct{ o *Orchestrator }

func (s *abTestStrategy) deploy(ctx context.Context, r *rollout) error {
	if s.o.experiments == nil {
		return errors.NewValidationError(errors.CodeUnsupportedStrategy, "a/b deployments need an experiment manager")
	}
	champion := r.record.PreviousVersionID
	if champion == "" {
		return errors.NewValidationError(errors.CodeNoChampion, "a/b deployment needs a production version to compare against").
			WithContext("model_type", string(r.modelType()))
	}
	if champion == r.version.VersionID {
		return errors.NewValidationError(errors.CodeInvalidInput, "version is already in production").
			WithContext("version_id", champion)
	}

	if err := s.o.healthCheck(ctx, r); err != nil {
		return err
	}

	exp, err := s.o.experiments.CreateExperiment(ctx, champion, r.version.VersionID, s.o.experimentConfig(r.request))
	if err != nil {
		return err
	}
	r.record.ExperimentID = exp.ExperimentID
	if err := s.o.experiments.Start(ctx, exp.ExperimentID); err != nil {
		return err
	}

	experimentID := exp.ExperimentID
	s.o.router.AttachExperiment(r.modelType(), experimentID, r.version.VersionID, func(subjectID string) (models.Variant, error) {
		return s.o.experiments.AssignVariant(experimentID, subjectID)
	})
	r.note("experiment %s started with %.0f%% challenger traffic", experimentID, exp.TrafficSplit*100)
	return nil
}

func (s *abTestStrategy) revert(r *rollout) {
	s.detach(context.Background(), r, "deployment failed")
}

func (s *abTestStrategy) restore(ctx context.Context, r *rollout, targetID string) {
	s.detach(ctx, r, "deployment rolled back")
}

func (s *abTestStrategy) detach(ctx context.Context, r *rollout, reason string) {
	if r.record.ExperimentID == "" {
		return
	}
	s.o.router.DetachExperiment(r.modelType(), r.record.ExperimentID)
	if err := s.o.experiments.Stop(ctx, r.record.ExperimentID, reason); err != nil && !errors.IsValidation(err) {
		s.o.logger.WithError(err).WithField("experiment_id", r.record.ExperimentID).Warn("Failed to stop experiment")
	}
}

type shadowStrategy struct{ o *Orchestrator }

func (s *shadowStrategy) deploy(ctx context.Context, r *rollout) error {
	if err := s.o.healthCheck(ctx, r); err != nil {
		return err
	}
	s.o.router.EnableShadow(r.modelType(), r.version.VersionID)
	r.note("mirroring live traffic to %s", r.version.VersionID)
	return nil
}

func (s *shadowStrategy) revert(r *rollout) {
	s.o.router.DisableShadow(r.modelType(), r.version.VersionID)
}

func (s *shadowStrategy) restore(ctx context.Context, r *rollout, targetID string) {
	s.o.router.DisableShadow(r.modelType(), r.version.VersionID)
}
