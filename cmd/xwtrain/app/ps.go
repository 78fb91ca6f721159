package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/runtime"
)

// PsOptions holds options for the ps command
type PsOptions struct {
	*GlobalOptions

	// All shows finished runs too
	All bool
}

// NewPsCommand creates the ps command.
//
// The ps command lists training runs, similar to 'docker ps'.
//
// Usage:
//
//	xwtrain ps [-a]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for listing runs
func NewPsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &PsOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List training runs",
		Long: `List training runs with their recipe, state and age.

By default only created and running runs are shown.`,
		Example: `  # List active runs
  xwtrain ps

  # Include finished runs
  xwtrain ps -a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.All, "all", "a", false,
		"show finished runs too")

	return cmd
}

// runPs executes the ps command logic
func runPs(ctx context.Context, out io.Writer, opts *PsOptions) error {
	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()

	runs, err := runtime.NewDockerRuntime(cli).List(ctx)
	if err != nil {
		return err
	}
	printRuns(out, runs, opts.All, time.Now())
	return nil
}

// printRuns writes the runs table.
func printRuns(out io.Writer, runs []*runtime.Run, all bool, now time.Time) {
	var shown []*runtime.Run
	for _, r := range runs {
		if all || r.State == runtime.StateCreated || r.State == runtime.StateRunning {
			shown = append(shown, r)
		}
	}

	if len(shown) == 0 {
		fmt.Fprintln(out, "No training runs found")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start one with: xwtrain run <recipe>")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tRECIPE\tIMAGE\tSTATE\tCREATED\tUPTIME")
	for _, r := range shown {
		state := string(r.State)
		if r.State == runtime.StateFailed {
			state = fmt.Sprintf("failed (%d)", r.ExitCode)
		}

		uptime := "-"
		if !r.StartedAt.IsZero() {
			end := now
			if !r.FinishedAt.IsZero() {
				end = r.FinishedAt
			}
			uptime = formatDuration(end.Sub(r.StartedAt))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\t%s\n",
			r.ID,
			orDash(r.Recipe),
			orDash(r.Image),
			state,
			formatDuration(now.Sub(r.CreatedAt)),
			uptime)
	}
	w.Flush()
}

// formatDuration formats a duration in human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	} else {
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}
