package app

import (
	"fmt"
	"io"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/config"
)

// VersionOptions holds options for the version command
type VersionOptions struct {
	*GlobalOptions

	// Short prints the version number only
	Short bool
}

// NewVersionCommand creates the version command.
//
// Usage:
//
//	xwtrain version [--short]
func NewVersionCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VersionOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long: `Display version information for xwtrain and the trainer pinned in the
dependency manifest.`,
		Example: `  # Show version information
  xwtrain version

  # Show only the version number
  xwtrain version --short`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Short, "short", false,
		"show the version number only")

	return cmd
}

// runVersion executes the version command logic.
//
// A missing or unreadable manifest is not an error here: the trainer line is
// simply omitted.
func runVersion(out io.Writer, opts *VersionOptions) error {
	if opts.Short {
		fmt.Fprintln(out, config.Version)
		return nil
	}

	fmt.Fprintln(out, "xwtrain:")
	fmt.Fprintf(out, "  Version:    %s\n", config.Version)
	fmt.Fprintf(out, "  Build Time: %s\n", config.BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", config.GitCommit)
	fmt.Fprintf(out, "  Go Version: %s\n", goruntime.Version())

	if rel, req, err := opts.resolveTrainer(); err == nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Trainer:")
		fmt.Fprintf(out, "  Requirement: %s\n", req)
		fmt.Fprintf(out, "  Registry:    %s\n", rel.Constraint)
	}
	return nil
}
