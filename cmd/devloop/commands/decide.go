package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devloop/pkg/merge"
)

// decision is the output of the decide command.
type decision struct {
	Decision merge.Decision     `json:"decision"`
	Reason   string             `json:"reason"`
	Context  merge.MergeContext `json:"context"`
}

func newDecideCommand() *cobra.Command {
	var (
		mc       merge.MergeContext
		noPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "decide [context-file]",
		Short: "Evaluate a merge decision offline",
		Long: `Evaluate the merge decision rules against a validation outcome without
touching any pull request.

The outcome is read from a JSON or YAML merge context file ("-" reads
stdin) or assembled from flags. The configured merge policy is applied
unless --no-policy is set.`,
		Example: `  # What happens to a clean run with low confidence?
  devloop decide --validation-success --deployment-success --web-eval-success --confidence 0.6

  # Replay a recorded context
  devloop decide context.yaml -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				mc, err = readMergeContext(args[0], cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if !noPolicy {
				if len(args) == 0 && !cmd.Flags().Changed("max-retries") {
					mc.MaxRetryCount = cfg.Merge.MaxRetryCount
				}
				mc = cfg.Merge.Apply(mc)
			}
			return renderDecision(cmd.OutOrStdout(), mc)
		},
	}

	cmd.Flags().BoolVar(&mc.AutoMergeEnabled, "auto-merge", true, "auto-merge is enabled")
	cmd.Flags().BoolVar(&mc.ValidationSuccess, "validation-success", false, "validation succeeded")
	cmd.Flags().BoolVar(&mc.DeploymentSuccess, "deployment-success", false, "deployment succeeded")
	cmd.Flags().BoolVar(&mc.WebEvalSuccess, "web-eval-success", false, "web evaluation succeeded")
	cmd.Flags().Float64Var(&mc.ValidationConfidence, "confidence", 0, "validation confidence (0-1)")
	cmd.Flags().IntVar(&mc.ErrorCount, "errors", 0, "number of reported errors")
	cmd.Flags().IntVar(&mc.RetryCount, "retries", 0, "retries already spent")
	cmd.Flags().IntVar(&mc.MaxRetryCount, "max-retries", 0, "retry ceiling (default from policy)")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "use the context thresholds as given")

	return cmd
}

// readMergeContext decodes a merge context from a JSON or YAML document.
func readMergeContext(path string, stdin io.Reader) (merge.MergeContext, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return merge.MergeContext{}, fmt.Errorf("failed to read merge context: %w", err)
	}

	// YAML is a superset of JSON; going through a generic document keeps
	// the json field names authoritative.
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return merge.MergeContext{}, fmt.Errorf("failed to parse merge context: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return merge.MergeContext{}, fmt.Errorf("failed to parse merge context: %w", err)
	}

	var mc merge.MergeContext
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mc); err != nil {
		return merge.MergeContext{}, fmt.Errorf("invalid merge context: %w", err)
	}
	return mc, nil
}

func renderDecision(w io.Writer, mc merge.MergeContext) error {
	d, reason := merge.Explain(mc)
	out := decision{Decision: d, Reason: reason, Context: mc}
	return render(w, outputFormat, out, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: %s\n", d, reason)
		return err
	})
}
