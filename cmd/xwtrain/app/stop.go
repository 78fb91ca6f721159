package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/tsingmao/xwtrain/internal/runtime"
)

// StopOptions holds options for the stop and rm commands
type StopOptions struct {
	*GlobalOptions

	// RunIDs are the runs to act on
	RunIDs []string

	// Force removes running containers (rm only)
	Force bool
}

// NewStopCommand creates the stop command.
//
// Usage:
//
//	xwtrain stop RUN_ID...
func NewStopCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &StopOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "stop RUN_ID...",
		Short: "Stop training runs",
		Long: `Stop running training containers.

The trainer gets 30 seconds to exit after SIGTERM. Stopped runs keep their
output and exit code; remove them with 'xwtrain rm'.`,
		Example: `  # Stop a run
  xwtrain stop resnet50_medium-20221006-134501`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunIDs = args
			return runStop(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	return cmd
}

// NewRmCommand creates the rm command.
//
// Usage:
//
//	xwtrain rm RUN_ID... [--force]
func NewRmCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &StopOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "rm RUN_ID...",
		Short: "Remove training runs",
		Long: `Remove training containers. Running containers are only removed with --force.`,
		Example: `  # Remove a finished run
  xwtrain rm resnet50_medium-20221006-134501

  # Stop and remove a running run
  xwtrain rm -f resnet50_hot-20221006-150000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunIDs = args
			return runRm(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false,
		"remove running containers")

	return cmd
}

// runStop executes the stop command logic
func runStop(ctx context.Context, out io.Writer, opts *StopOptions) error {
	return forEachRun(ctx, opts, func(rt *runtime.DockerRuntime, id string) error {
		if err := rt.Stop(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stopped run: %s\n", id)
		return nil
	})
}

// runRm executes the rm command logic
func runRm(ctx context.Context, out io.Writer, opts *StopOptions) error {
	return forEachRun(ctx, opts, func(rt *runtime.DockerRuntime, id string) error {
		if err := rt.Remove(ctx, id, opts.Force); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed run: %s\n", id)
		return nil
	})
}

// forEachRun applies fn to every run ID and combines the failures.
func forEachRun(ctx context.Context, opts *StopOptions, fn func(rt *runtime.DockerRuntime, id string) error) error {
	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()

	rt := runtime.NewDockerRuntime(cli)
	var errs error
	for _, id := range opts.RunIDs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := fn(rt, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errs
}
