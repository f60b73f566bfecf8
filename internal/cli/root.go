// Package cli implements the dualrun command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/dualrun/internal/runtime/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFiles []string
	Format   string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the dualrun root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dualrun",
		Short: "Mirror live traffic to a second service and compare the answers",
		Long: `dualrun sits in front of a Primary service, forwards every request to it
and mirrors a sample of the traffic to a Secondary service. Both responses
are recorded and compared under per-API rules.

Configuration is read from DUALRUN_* environment variables, optionally
loaded from one or more .env files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCompareCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))

	return cmd
}

// loadConfig reads the snapshot, honouring --env-file.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.EnvFiles...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
