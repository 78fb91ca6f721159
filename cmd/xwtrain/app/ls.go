package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/tsingmao/xwtrain/internal/logger"
	"github.com/tsingmao/xwtrain/internal/recipe"
)

// ListOptions holds options for the ls command
type ListOptions struct {
	*GlobalOptions
}

// NewListCommand creates the ls command.
//
// The ls command lists the recipes of the recipes directory with their
// model, optimizer, schedule and enabled algorithms.
//
// Usage:
//
//	xwtrain ls
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for listing recipes
func NewListCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ListOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List training recipes",
		Long: `List the recipes in the recipes directory.

Recipes that cannot be parsed are reported after the table and make the
command fail.`,
		Example: `  # List recipes
  xwtrain ls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	return cmd
}

// runList executes the ls command logic
func runList(ctx context.Context, out io.Writer, opts *ListOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dir := opts.Config.Paths.RecipesPath()

	docs, loadErr := recipe.LoadDir(ctx, dir, opts.Config.Validation.Parallelism)
	if docs == nil && loadErr != nil {
		return loadErr
	}
	if len(docs) == 0 && loadErr == nil {
		fmt.Fprintf(out, "No recipes found in %s\n", dir)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RECIPE\tMODEL\tOPTIMIZER\tLR\tSCHEDULERS\tDURATION\tALGORITHMS")

	for _, doc := range docs {
		if doc.DecodeErr != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t(invalid: run xwtrain validate)\n", doc.FileName())
			continue
		}
		r := doc.Recipe

		_, model := r.ModelBlock()
		lr := "-"
		if v, ok := r.LearningRate(); ok {
			lr = strconv.FormatFloat(v, 'g', -1, 64)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			doc.FileName(),
			orDash(model.ModelName),
			orDash(r.OptimizerName()),
			lr,
			orDash(strings.Join(r.SchedulerNames(), ",")),
			orDash(r.MaxDuration),
			len(r.AlgorithmNames()))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if loadErr != nil {
		errs := multierr.Errors(loadErr)
		for _, err := range errs {
			logger.Error("%v", err)
		}
		return fmt.Errorf("%d recipe(s) could not be loaded", len(errs))
	}
	return nil
}
