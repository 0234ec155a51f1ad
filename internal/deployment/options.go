package deployment

import (
	"fmt"
	"time"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// Per-request configuration keys
const (
	OptionCanarySteps  = "canary_steps"
	OptionStepInterval = "step_interval"
	OptionTrafficSplit = "traffic_split"
)

// ValidateCanarySteps checks that a schedule is non-empty and strictly increasing within 1-100
func ValidateCanarySteps(steps []int) error {
	if len(steps) == 0 {
		return errors.NewValidationError(errors.CodeInvalidInput, "canary steps cannot be empty")
	}
	prev := 0
	for _, s := range steps {
		if s <= prev || s > 100 {
			return errors.NewValidationError(errors.CodeOutOfRange, "canary steps must increase strictly within 1-100").
				WithContext("steps", steps)
		}
		prev = s
	}
	return nil
}

// canarySchedule merges per-request overrides onto the configured schedule
func (o *Orchestrator) canarySchedule(req DeployRequest) ([]int, time.Duration, error) {
	steps := o.config.CanarySteps
	interval := o.config.CanaryStepInterval

	if raw, ok := req.Config[OptionCanarySteps]; ok {
		parsed, err := intSlice(raw)
		if err != nil {
			return nil, 0, errors.NewValidationError(errors.CodeInvalidInput, "invalid canary_steps").WithDetails(err.Error())
		}
		if err := ValidateCanarySteps(parsed); err != nil {
			return nil, 0, err
		}
		steps = parsed
	}

	if raw, ok := req.Config[OptionStepInterval]; ok {
		d, err := duration(raw)
		if err != nil {
			return nil, 0, errors.NewValidationError(errors.CodeInvalidInput, "invalid step_interval").WithDetails(err.Error())
		}
		interval = d
	}
	return steps, interval, nil
}

// experimentConfig builds the A/B configuration of a deployment
func (o *Orchestrator) experimentConfig(req DeployRequest) models.ExperimentConfig {
	var cfg models.ExperimentConfig
	if req.Experiment != nil {
		cfg = *req.Experiment
	}
	if split, ok := req.Config[OptionTrafficSplit].(float64); ok && cfg.TrafficSplit == 0 {
		cfg.TrafficSplit = split
	}
	return cfg
}

func intSlice(raw interface{}) ([]int, error) {
	switch v := raw.(type) {
	case []int:
		return append([]int(nil), v...), nil
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case float64:
				if n != float64(int(n)) {
					return nil, fmt.Errorf("step %v is not a whole percentage", n)
				}
				out = append(out, int(n))
			default:
				return nil, fmt.Errorf("unexpected step %T", item)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected steps %T", raw)
}

func duration(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("unexpected interval %T", raw)
}
