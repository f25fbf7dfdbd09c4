// Package cmd defines and implements the CLI commands for the dsdown
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsdown/internal/app"
	"github.com/JakeFAU/dsdown/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Command annotations read by the root hooks.
const (
	// annotationMutates marks commands that must hold the single-writer lock.
	annotationMutates = "dsdown/mutates"
	// annotationProgress marks commands that render transfer progress bars.
	annotationProgress = "dsdown/progress"
)

var mutating = map[string]string{annotationMutates: "true"}

// newApp is the application factory. It is a variable so tests can inject
// stub fetchers and downloaders.
var newApp = func(ctx context.Context, cfg config.Config, opts app.Options) (*app.App, error) {
	return app.Build(ctx, cfg, opts)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "dsdown",
		Short: "Track a chapter release feed and download followed series within a daily budget.",
		Long: `dsdown walks the release feed incrementally, classifies new chapters by
the series you follow or ignore, and downloads queued chapters as CBZ archives
without exceeding a rolling 24 hour download budget.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application after flags are parsed and before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			var opts app.Options
			if cmd.Annotations[annotationProgress] == "true" {
				opts.Terminal = cmd.ErrOrStderr()
			}
			appInstance, err := newApp(cmd.Context(), cfg, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)

			if cmd.Annotations[annotationMutates] == "true" {
				if err := appInstance.Lock(); err != nil {
					return err
				}
			}
			return nil
		},

		// Services are shut down even when RunE failed.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			closeApp(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newFetchCmd(),
		newDrainCmd(),
		newDownloadCmd(),
		newSlotsCmd(),
		newQueueCmd(),
		newSeriesCmd(),
		newChaptersCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func closeApp(ctx context.Context) {
	if ctx == nil {
		return
	}
	if appInstance, ok := ctx.Value(appKey).(*app.App); ok && appInstance != nil {
		appInstance.Close(context.WithoutCancel(ctx))
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, newRootCmd(), os.Args[1:], os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		// PersistentPostRun is skipped when RunE fails.
		if executed != nil {
			closeApp(executed.Context())
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
