package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/modelops/pkg/models"
)

type DeployOptions struct {
	Strategy       string
	Environment    string
	CanarySteps    []int
	StepInterval   time.Duration
	TrafficSplit   float64
	ExperimentFile string
	Wait           bool
}

func NewDeployCmd(env EnvFunc) *cobra.Command {
	opts := &DeployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy VERSION_ID",
		Short: "Deploy a model version",
		Long: `Deploy a model version with one of the strategies immediate, blue_green,
canary, a_b_test or shadow. Without --wait the server runs the rollout in the
background and the deployment id is printed.`,
		Example: `  # Switch production immediately and wait for the outcome
  modelops-cli deploy 7f9c... --wait

  # Canary through 5%, 25% and 100% with one minute per step
  modelops-cli deploy 7f9c... --strategy canary --canary-steps 5,25,100 --step-interval 1m

  # Start an A/B test against the production version
  modelops-cli deploy 7f9c... --strategy a_b_test --experiment-file experiment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildDeployRequest(args[0], env().Operator, opts)
			if err != nil {
				return err
			}
			q := url.Values{}
			if opts.Wait {
				q.Set("wait", "true")
			}
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodPost, "/deployments", q, body, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}

	cmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", string(models.StrategyImmediate), "Deployment strategy")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "Target environment (server default when unset)")
	cmd.Flags().IntSliceVar(&opts.CanarySteps, "canary-steps", nil, "Canary traffic percentages, ascending and ending at 100")
	cmd.Flags().DurationVar(&opts.StepInterval, "step-interval", 0, "Pause between canary steps")
	cmd.Flags().Float64Var(&opts.TrafficSplit, "traffic-split", 0, "Challenger share for a_b_test deployments (0-1)")
	cmd.Flags().StringVar(&opts.ExperimentFile, "experiment-file", "", "Experiment configuration in YAML or JSON")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "Wait for the rollout to finish")

	return cmd
}

func buildDeployRequest(versionID, operator string, opts *DeployOptions) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"version_id":  versionID,
		"strategy":    opts.Strategy,
		"deployed_by": operator,
	}
	if opts.Environment != "" {
		body["target_environment"] = opts.Environment
	}

	config := map[string]interface{}{}
	if len(opts.CanarySteps) > 0 {
		config["canary_steps"] = opts.CanarySteps
	}
	if opts.StepInterval > 0 {
		config["step_interval"] = opts.StepInterval.String()
	}
	if opts.TrafficSplit > 0 {
		config["traffic_split"] = opts.TrafficSplit
	}
	if len(config) > 0 {
		body["config"] = config
	}

	if opts.ExperimentFile != "" {
		raw, err := os.ReadFile(opts.ExperimentFile)
		if err != nil {
			return nil, err
		}
		experiment := map[string]interface{}{}
		if err := yaml.Unmarshal(raw, &experiment); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", opts.ExperimentFile, err)
		}
		if err := durationsToNanos(experiment, "maximum_duration", "evaluation_interval"); err != nil {
			return nil, err
		}
		body["experiment"] = experiment
	}
	return body, nil
}

func NewDeploymentsCmd(env EnvFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"d"},
		Short:   "Inspect deployments",
	}

	var modelType, versionID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "model_type", modelType)
			setIf(q, "version_id", versionID)
			setIf(q, "status", status)
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/deployments", q, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}
	list.Flags().StringVar(&modelType, "type", "", "Filter by model type")
	list.Flags().StringVar(&versionID, "version", "", "Filter by version id")
	list.Flags().StringVar(&status, "status", "", "Filter by status")

	show := &cobra.Command{
		Use:   "show DEPLOYMENT_ID",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record models.DeploymentRecord
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/deployments/"+url.PathEscape(args[0]), nil, nil, &record); err != nil {
				return err
			}
			return env().print(&record)
		},
	}

	abort := &cobra.Command{
		Use:   "abort DEPLOYMENT_ID",
		Short: "Abort a running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodPost, "/deployments/"+url.PathEscape(args[0])+"/abort", nil, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}

	cmd.AddCommand(list, show, abort)
	return cmd
}

func NewRollbackCmd(env EnvFunc) *cobra.Command {
	var reason, target string

	cmd := &cobra.Command{
		Use:   "rollback DEPLOYMENT_ID",
		Short: "Roll back a deployment",
		Long: `Roll back a deployment to the version it replaced, or to --target.
The rolled back version is deprecated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason, "target_version_id": target}
			var record models.DeploymentRecord
			if err := env().Client.Do(cmd.Context(), http.MethodPost, "/deployments/"+url.PathEscape(args[0])+"/rollback", nil, body, &record); err != nil {
				return err
			}
			return env().print(&record)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the deployment is rolled back (required)")
	cmd.Flags().StringVar(&target, "target", "", "Version to restore instead of the previous one")
	cmd.MarkFlagRequired("reason")
	return cmd
}

// durationsToNanos rewrites "72h" style values to the nanosecond integers the
// API decodes durations from
func durationsToNanos(doc map[string]interface{}, keys ...string) error {
	for _, key := range keys {
		raw, ok := doc[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		doc[key] = int64(d)
	}
	return nil
}
