package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/recipe"
)

// Output formats of the validate command.
const (
	outputText = "text"
	outputJSON = "json"
)

// ValidateOptions holds options for the validate command
type ValidateOptions struct {
	*GlobalOptions

	// Paths are recipe files or directories (default: the recipes directory)
	Paths []string

	// Strict treats warnings as errors
	Strict bool

	// Watch re-validates recipes when they change
	Watch bool

	// Output is text or json
	Output string
}

// NewValidateCommand creates the validate command.
//
// The validate command checks recipes against the trainer release pinned in
// the dependency manifest.
//
// Usage:
//
//	xwtrain validate [PATH...] [--strict] [--watch] [--output text|json]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for validating recipes
func NewValidateCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ValidateOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "validate [PATH...]",
		Short: "Validate training recipes",
		Long: `Validate training recipes before they are packaged.

Each recipe must be a single YAML mapping, name only components registered by
the pinned trainer release, keep annotated values inside their documented
ranges, mark training and validation datasets correctly, and serialize back
to an identical document.

Without arguments every recipe in the recipes directory is checked. The
command fails if any recipe has an error finding.`,
		Example: `  # Validate all recipes
  xwtrain validate

  # Validate one recipe, treating warnings as errors
  xwtrain validate recipes/resnet50_hot.yaml --strict

  # Re-validate recipes as they are edited
  xwtrain validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Paths = args
			return runValidate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false,
		"treat warnings as errors")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false,
		"watch the recipes directory and re-validate changed files")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", outputText,
		"output format: text or json")

	return cmd
}

// runValidate executes the validate command logic
func runValidate(ctx context.Context, out io.Writer, opts *ValidateOptions) error {
	if opts.Output != outputText && opts.Output != outputJSON {
		return fmt.Errorf("unsupported output format: %s", opts.Output)
	}

	validator, err := opts.newValidator(opts.Strict)
	if err != nil {
		return err
	}

	paths := opts.Paths
	if len(paths) == 0 {
		paths = []string{opts.Config.Paths.RecipesPath()}
	}

	if opts.Watch {
		return watchRecipes(ctx, out, validator, paths, opts.Output)
	}

	files, err := recipe.ExpandPaths(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no recipe files found")
	}

	reports, err := validator.ValidateFiles(ctx, files, opts.Config.Validation.Parallelism)
	if err != nil {
		return err
	}

	failed, err := printReports(out, reports, opts.Output)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recipe(s) failed validation", failed, len(reports))
	}
	return nil
}

// watchRecipes validates the recipes of one directory, then again every time
// a recipe changes, until interrupted.
func watchRecipes(ctx context.Context, out io.Writer, validator *recipe.Validator, paths []string, output string) error {
	if len(paths) != 1 {
		return fmt.Errorf("--watch takes a single recipes directory")
	}
	dir := paths[0]
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("--watch takes a directory: %s", dir)
	}

	ctx, cancel := signalContext(ctx)
	defer cancel()

	files, err := recipe.RecipeFiles(dir)
	if err != nil {
		return err
	}
	reports, err := validator.ValidateFiles(ctx, files, len(files))
	if err != nil {
		return err
	}
	if _, err := printReports(out, reports, output); err != nil {
		return err
	}

	return recipe.Watch(ctx, dir, recipe.DefaultDebounce, func(path string) {
		if _, err := printReports(out, []*recipe.Report{validator.ValidateFile(path)}, output); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	})
}

// printReports writes the reports and returns the number of files with
// error findings.
func printReports(out io.Writer, reports []*recipe.Report, output string) (int, error) {
	failed := 0
	for _, r := range reports {
		if r.HasErrors() {
			failed++
		}
	}

	if output == outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return failed, fmt.Errorf("failed to encode reports: %w", err)
		}
		return failed, nil
	}

	for _, r := range reports {
		errs, warns := r.Count(recipe.SeverityError), r.Count(recipe.SeverityWarning)
		switch {
		case errs == 0 && warns == 0:
			fmt.Fprintf(out, "%s: ok\n", r.File)
		default:
			fmt.Fprintf(out, "%s: %d error(s), %d warning(s)\n", r.File, errs, warns)
		}
		for _, f := range r.Findings {
			fmt.Fprintf(out, "  %s\n", f)
		}
	}
	return failed, nil
}
