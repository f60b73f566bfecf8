package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/dualrun/internal/runtime"
	"github.com/drblury/dualrun/internal/runtime/config"
	"github.com/drblury/dualrun/internal/runtime/logging"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen       string
	PrimaryURL   string
	SecondaryURL string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dual-run proxy",
		Long: `Run the proxy until SIGINT or SIGTERM. Flags override the matching
DUALRUN_* variables.

Examples:
  dualrun serve --primary http://legacy:8080 --secondary http://next:8080
  dualrun serve --env-file .env --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "ingress listen address")
	cmd.Flags().StringVar(&opts.PrimaryURL, "primary", "", "Primary service base URL")
	cmd.Flags().StringVar(&opts.SecondaryURL, "secondary", "", "Secondary service base URL")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}

	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	svc, err := runtime.NewService(cfg, log, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create service", err)
	}
	return svc.Start(ctx)
}

// apply overlays the flags onto cfg and revalidates it.
func (o *ServeOptions) apply(cfg *config.Config) error {
	if o.Listen != "" {
		cfg.ListenAddr = o.Listen
	}
	if o.PrimaryURL != "" {
		cfg.PrimaryURL = o.PrimaryURL
	}
	if o.SecondaryURL != "" {
		cfg.SecondaryURL = o.SecondaryURL
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return nil
}
