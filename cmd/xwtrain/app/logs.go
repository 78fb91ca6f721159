package app

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/runtime"
)

// LogsOptions holds options for the logs command
type LogsOptions struct {
	*GlobalOptions

	// RunID is the run to get logs from
	RunID string

	// Follow continues streaming logs in real-time
	Follow bool
}

// NewLogsCommand creates the logs command.
//
// Usage:
//
//	xwtrain logs RUN_ID [-f]
func NewLogsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &LogsOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "View the output of a training run",
		Long: `View the output of a training run.

By default, shows existing output and exits. Use -f/--follow to stream it
until the run ends or Ctrl+C is pressed.`,
		Example: `  # Show existing output
  xwtrain logs resnet50_medium-20221006-134501

  # Follow output in real-time
  xwtrain logs -f resnet50_medium-20221006-134501`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunID = args[0]
			return runLogs(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false,
		"follow log output (stream logs in real-time)")

	return cmd
}

// runLogs executes the logs command logic
func runLogs(ctx context.Context, out, errOut io.Writer, opts *LogsOptions) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()

	return runtime.NewDockerRuntime(cli).Logs(ctx, opts.RunID, opts.Follow, out, errOut)
}
