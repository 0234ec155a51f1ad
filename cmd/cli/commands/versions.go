package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/modelops/pkg/models"
)

type RegisterOptions struct {
	File        string
	Parent      string
	Increment   string
	Description string
	Tags        []string
}

func NewRegisterCmd(env EnvFunc) *cobra.Command {
	opts := &RegisterOptions{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a trained model version",
		Long: `Register a trained linear model together with its evaluation metrics.
The file holds the model, model_name, model_type, metrics and optional
training_config in YAML or JSON.`,
		Example: `  # Register a first version
  modelops-cli register -f lead-scorer.yaml

  # Register a minor increment of an existing version
  modelops-cli register -f lead-scorer.yaml --parent 7f9c... --increment minor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := loadRegisterFile(opts)
			if err != nil {
				return err
			}
			var v models.ModelVersion
			if err := env().Client.Do(cmd.Context(), http.MethodPost, "/versions", nil, body, &v); err != nil {
				return err
			}
			return env().print(&v)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Registration file in YAML or JSON (required)")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "Parent version id")
	cmd.Flags().StringVar(&opts.Increment, "increment", "", "Version increment from the parent (major, minor, patch)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "Version description")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "Tags to attach (repeatable)")

	cmd.MarkFlagRequired("file")

	return cmd
}

// loadRegisterFile reads the registration document and applies flag overrides
func loadRegisterFile(opts *RegisterOptions) (map[string]interface{}, error) {
	raw, err := os.ReadFile(opts.File)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", opts.File, err)
	}
	if opts.Parent != "" {
		body["parent_version_id"] = opts.Parent
	}
	if opts.Increment != "" {
		body["increment"] = opts.Increment
	}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if len(opts.Tags) > 0 {
		body["tags"] = opts.Tags
	}
	return body, nil
}

func NewVersionsCmd(env EnvFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "versions",
		Aliases: []string{"v"},
		Short:   "Inspect and review model versions",
	}

	cmd.AddCommand(
		newVersionsListCmd(env),
		newVersionsShowCmd(env),
		newReviewCmd(env, "approve", "Approve a version for production"),
		newReviewCmd(env, "reject", "Reject a version"),
		newDeprecateCmd(env),
		newCompareCmd(env),
		newLineageCmd(env),
		newProductionCmd(env),
	)
	return cmd
}

func newVersionsListCmd(env EnvFunc) *cobra.Command {
	var modelType, name, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "model_type", modelType)
			setIf(q, "model_name", name)
			setIf(q, "status", status)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/versions", q, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}

	cmd.Flags().StringVar(&modelType, "type", "", "Filter by model type")
	cmd.Flags().StringVar(&name, "name", "", "Filter by model name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (staging, production, deprecated)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of versions")
	return cmd
}

func newVersionsShowCmd(env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show VERSION_ID",
		Short: "Show one version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v models.ModelVersion
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/versions/"+url.PathEscape(args[0]), nil, nil, &v); err != nil {
				return err
			}
			return env().print(&v)
		},
	}
}

func newReviewCmd(env EnvFunc, action, short string) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   action + " VERSION_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reviewer": env().Operator, "notes": notes}
			var v models.ModelVersion
			path := "/versions/" + url.PathEscape(args[0]) + "/" + action
			if err := env().Client.Do(cmd.Context(), http.MethodPost, path, nil, body, &v); err != nil {
				return err
			}
			return env().print(&v)
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Review notes")
	return cmd
}

func newDeprecateCmd(env EnvFunc) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "deprecate VERSION_ID",
		Short: "Deprecate a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v models.ModelVersion
			path := "/versions/" + url.PathEscape(args[0]) + "/deprecate"
			if err := env().Client.Do(cmd.Context(), http.MethodPost, path, nil, map[string]string{"reason": reason}, &v); err != nil {
				return err
			}
			return env().print(&v)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the version is retired (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newCompareCmd(env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "compare VERSION_A VERSION_B",
		Short: "Compare the metrics and configuration of two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"a": {args[0]}, "b": {args[1]}}
			var cmp models.VersionComparison
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/versions/compare", q, nil, &cmp); err != nil {
				return err
			}
			return env().print(&cmp)
		},
	}
}

func newLineageCmd(env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage VERSION_ID",
		Short: "Show the parent chain of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			path := "/versions/" + url.PathEscape(args[0]) + "/lineage"
			if err := env().Client.Do(cmd.Context(), http.MethodGet, path, nil, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}
}

func newProductionCmd(env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "production MODEL_TYPE",
		Short: "Show the production version of a model type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v models.ModelVersion
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/production/"+url.PathEscape(args[0]), nil, nil, &v); err != nil {
				return err
			}
			return env().print(&v)
		},
	}
}

func NewSummaryCmd(env EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show registry counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum models.RegistrySummary
			if err := env().Client.Do(cmd.Context(), http.MethodGet, "/summary", nil, nil, &sum); err != nil {
				return err
			}
			return env().print(&sum)
		},
	}
}

func NewCleanupCmd(env EnvFunc) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Back up and remove old artifacts",
		Long: `Back up and remove artifacts older than the retention window. Production
and staging versions and versions used by running deployments are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if days > 0 {
				q.Set("retention_days", strconv.Itoa(days))
			}
			var out map[string]interface{}
			if err := env().Client.Do(cmd.Context(), http.MethodPost, "/cleanup", q, nil, &out); err != nil {
				return err
			}
			return env().print(out)
		},
	}

	cmd.Flags().IntVar(&days, "retention-days", 0, "Retention window in days (server default when unset)")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
