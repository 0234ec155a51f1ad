package commands

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/inferloop/modelops/pkg/models"
)

func NewExperimentsCmd(env EnvFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiments",
		Aliases: []string{"exp"},
		Short:   "Inspect and control A/B experiments",
	}

	var modelType, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List experiments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "model_type", modelType)
			setIf(q, "status", status)
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/experiments", q, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}
	list.Flags().StringVar(&modelType, "type", "", "Filter by model type")
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, stopped, failed)")

	show := &cobra.Command{
		Use:   "show EXPERIMENT_ID",
		Short: "Show an experiment with its arm statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp models.ABTestExperiment
			if err := env().Client.Do(cmd.Context(), http.MethodGet, experimentPath(args[0], ""), nil, nil, &exp); err != nil {
				return err
			}
			return env().print(&exp)
		},
	}

	evaluate := &cobra.Command{
		Use:   "evaluate EXPERIMENT_ID",
		Short: "Run an evaluation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result models.EvaluationResult
			if err := env().Client.Do(cmd.Context(), http.MethodPost, experimentPath(args[0], "/evaluate"), nil, nil, &result); err != nil {
				return err
			}
			return env().print(&result)
		},
	}

	var reason string
	stop := &cobra.Command{
		Use:   "stop EXPERIMENT_ID",
		Short: "Stop a running experiment without a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp models.ABTestExperiment
			if err := env().Client.Do(cmd.Context(), http.MethodPost, experimentPath(args[0], "/stop"), nil, map[string]string{"reason": reason}, &exp); err != nil {
				return err
			}
			return env().print(&exp)
		},
	}
	stop.Flags().StringVar(&reason, "reason", "", "Why the experiment is stopped (required)")
	stop.MarkFlagRequired("reason")

	var since string
	trend := &cobra.Command{
		Use:   "trend EXPERIMENT_ID",
		Short: "Show stored evaluation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "since", since)
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodGet, experimentPath(args[0], "/trend"), q, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}
	trend.Flags().StringVar(&since, "since", "", "History window such as 72h (server default 30 days)")

	cmd.AddCommand(list, show, evaluate, stop, trend)
	return cmd
}

func experimentPath(id, suffix string) string {
	return "/experiments/" + url.PathEscape(id) + suffix
}
