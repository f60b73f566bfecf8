package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/drblury/dualrun/internal/runtime/compare"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

// CompareOptions holds flags for the compare command.
type CompareOptions struct {
	*RootOptions
	RulesFile       string
	APIType         string
	PrimaryStatus   int
	SecondaryStatus int
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compare <primary-body> <secondary-body>",
		Short: "Compare two recorded response bodies offline",
		Long: `Run the comparison engine over two files the way the proxy would for a
mirrored request. Files ending in .json are compared structurally; anything
else is compared by content hash.

Exit codes:
  0 - EQUIVALENT
  1 - DIFFERENT, UNDECIDABLE or ERROR
  2 - Command error

Examples:
  dualrun compare primary.json secondary.json
  dualrun compare a.json b.json --rules rules.yaml --api-type orders --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.RulesFile, "rules", "", "YAML rule file")
	cmd.Flags().StringVar(&opts.APIType, "api-type", "", "API type whose rule applies")
	cmd.Flags().IntVar(&opts.PrimaryStatus, "primary-status", 200, "HTTP status of the Primary response")
	cmd.Flags().IntVar(&opts.SecondaryStatus, "secondary-status", 200, "HTTP status of the Secondary response")

	return cmd
}

func runCompare(cmd *cobra.Command, opts *CompareOptions, primaryPath, secondaryPath string) error {
	rule, err := opts.rule(cmd.Context())
	if err != nil {
		return err
	}
	primary, err := outcomeFromFile(primaryPath, model.CorePrimary, opts.PrimaryStatus)
	if err != nil {
		return err
	}
	secondary, err := outcomeFromFile(secondaryPath, model.CoreSecondary, opts.SecondaryStatus)
	if err != nil {
		return err
	}

	result := compare.NewEngine().Compare(primary, secondary, rule)

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, result); err != nil {
			return WrapExitError(ExitCommandError, "failed to write result", err)
		}
	} else {
		fmt.Fprintf(out, "verdict: %s\n", result.Verdict)
		fmt.Fprintf(out, "rule:    %s\n", result.RuleVersion)
		if result.ReasonCode != "" {
			fmt.Fprintf(out, "reason:  %s\n", result.ReasonCode)
		}
		for _, d := range result.Diffs {
			fmt.Fprintf(out, "  %s %s: %v != %v\n", d.Kind, displayPath(d.Path), d.Primary, d.Secondary)
		}
	}

	if result.Verdict != model.VerdictEquivalent {
		return &ExitError{Code: ExitDifferent, Message: fmt.Sprintf("responses are %s", result.Verdict)}
	}
	return nil
}

// rule resolves the rule for --api-type from --rules, or the empty rule.
func (o *CompareOptions) rule(ctx context.Context) (*rules.Rule, error) {
	if o.RulesFile == "" {
		return rules.Empty(o.APIType), nil
	}
	f, err := os.Open(o.RulesFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open rule file", err)
	}
	defer f.Close()

	store := rules.NewMemoryStore()
	if err := store.LoadYAML(f); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid rule file", err)
	}
	rule, err := store.GetActiveRule(ctx, o.APIType)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve rule", err)
	}
	return rule, nil
}

func outcomeFromFile(path string, core model.Core, status int) (*model.ResponseOutcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s body", core), err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if filepath.Ext(path) == ".json" {
		contentType = "application/json"
	}
	storage := model.PayloadInline
	if len(data) == 0 {
		storage = model.PayloadNone
	}
	return &model.ResponseOutcome{
		CorrelationID: filepath.Base(path),
		Core:          core,
		Status:        model.StatusSuccess,
		HTTPStatus:    status,
		ContentType:   contentType,
		Body:          model.BodyRef{Inline: data, StorageType: storage},
		Size:          int64(len(data)),
	}, nil
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
