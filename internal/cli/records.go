package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/dualrun/internal/runtime/compare"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/storage"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Since time.Duration
	Limit int
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records [correlation-id]",
		Short: "Read audit records from the configured store",
		Long: `With a correlation id, print the request, both outcomes and the
comparison recorded for it. Without one, list raw records from the last
--since window.

Examples:
  dualrun records 01HZX4C3W0R8N8B7Q3T4V5Y6Z7
  dualrun records --since 15m --limit 20 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(cmd, opts, args)
		},
	}

	cmd.Flags().DurationVar(&opts.Since, "since", time.Hour, "window to list when no correlation id is given")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of records to list")

	return cmd
}

func runRecords(cmd *cobra.Command, opts *RecordsOptions, args []string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := storage.Open(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer st.Close()

	if len(args) == 1 {
		return showRecords(ctx, cmd, opts, st, args[0])
	}

	to := time.Now().UTC()
	list, err := st.QueryRange(ctx, to.Add(-opts.Since), to, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list records", err)
	}
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if list == nil {
			list = []storage.Record{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No records found.")
		return nil
	}
	for _, rec := range list {
		fmt.Fprintf(out, "%s  %-10s %-26s %s\n", rec.ArrivedAt.Format(time.RFC3339), rec.Kind, rec.CorrelationID, rec.Core)
	}
	return nil
}

func showRecords(ctx context.Context, cmd *cobra.Command, opts *RecordsOptions, st storage.Adapter, id string) error {
	records, err := st.Query(ctx, id)
	if errors.Is(err, errorspkg.ErrNotFound) {
		return WrapExitError(ExitCommandError, fmt.Sprintf("no records for %s", id), nil)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query records", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, records)
	}
	fmt.Fprintf(out, "correlation id: %s\n", records.CorrelationID)
	if r := records.Request; r != nil {
		fmt.Fprintf(out, "request:   %s %s api_type=%q mode=%s\n", r.Method, r.Path, r.APIType, r.Mode)
	}
	if o := records.Primary; o != nil {
		fmt.Fprintf(out, "primary:   %s http=%d latency=%s\n", o.Status, o.HTTPStatus, o.Latency)
	}
	if o := records.Secondary; o != nil {
		fmt.Fprintf(out, "secondary: %s http=%d latency=%s reason=%s\n", o.Status, o.HTTPStatus, o.Latency, o.Reason)
	}
	if c := records.Comparison; c != nil {
		fmt.Fprintf(out, "comparison: %s\n", compare.String(*c))
	}
	return nil
}
