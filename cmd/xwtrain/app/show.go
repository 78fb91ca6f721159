package app

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/recipe"
)

// ShowOptions holds options for the show command
type ShowOptions struct {
	*GlobalOptions

	// Recipe is a recipe path or a name in the recipes directory
	Recipe string

	// Raw prints the re-serialized document instead of the summary
	Raw bool
}

// NewShowCommand creates the show command.
//
// Usage:
//
//	xwtrain show RECIPE [--raw]
func NewShowCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ShowOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "show RECIPE",
		Short: "Show a training recipe",
		Long: `Show the model, optimizer, schedule, algorithms and datasets of a recipe.

RECIPE is a path or a name in the recipes directory, with or without the
.yaml extension. With --raw the document is printed as xwtrain serializes it.`,
		Example: `  # Summarize the medium recipe
  xwtrain show resnet50_medium

  # Print the serialized document
  xwtrain show recipes/resnet50_hot.yaml --raw`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Recipe = args[0]
			return runShow(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false,
		"print the serialized recipe document")

	return cmd
}

// runShow executes the show command logic
func runShow(out io.Writer, opts *ShowOptions) error {
	file, err := opts.resolveRecipePath(opts.Recipe)
	if err != nil {
		return err
	}
	doc, err := recipe.Load(file)
	if err != nil {
		return err
	}

	if opts.Raw {
		data, err := doc.Marshal()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	if doc.DecodeErr != nil {
		return fmt.Errorf("recipe %s does not match the recipe schema: %w", file, doc.DecodeErr)
	}
	r := doc.Recipe

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", file)

	modelName, model := r.ModelBlock()
	fmt.Fprintf(w, "Model:\t%s\n", describeModel(modelName, model))

	optimizer := r.OptimizerName()
	if lr, ok := r.LearningRate(); ok {
		optimizer = fmt.Sprintf("%s (lr %s)", optimizer, strconv.FormatFloat(lr, 'g', -1, 64))
	}
	fmt.Fprintf(w, "Optimizer:\t%s\n", orDash(optimizer))
	fmt.Fprintf(w, "Schedulers:\t%s\n", orDash(strings.Join(r.SchedulerNames(), ", ")))
	fmt.Fprintf(w, "Algorithms:\t%s\n", orDash(strings.Join(r.AlgorithmNames(), ", ")))
	fmt.Fprintf(w, "Duration:\t%s\n", orDash(r.MaxDuration))
	if r.ScaleScheduleRatio != 0 {
		fmt.Fprintf(w, "Scale schedule:\t%s\n", strconv.FormatFloat(r.ScaleScheduleRatio, 'g', -1, 64))
	}
	fmt.Fprintf(w, "Batch size:\ttrain %d, eval %d\n", r.TrainBatchSize, r.EvalBatchSize)
	fmt.Fprintf(w, "Precision:\t%s\n", orDash(r.Precision))
	fmt.Fprintf(w, "Device:\t%s\n", orDash(r.DeviceName()))
	fmt.Fprintf(w, "Seed:\t%d\n", r.Seed)
	fmt.Fprintf(w, "Train data:\t%s\n", describeDatasets(r.TrainDataset))
	fmt.Fprintf(w, "Val data:\t%s\n", describeDatasets(r.ValDataset))
	return w.Flush()
}

func describeModel(name string, m recipe.ModelConfig) string {
	if name == "" {
		return "-"
	}
	var details []string
	if m.ModelName != "" {
		details = append(details, m.ModelName)
	}
	if m.NumClasses > 0 {
		details = append(details, fmt.Sprintf("%d classes", m.NumClasses))
	}
	if m.LossName != "" {
		details = append(details, "loss "+m.LossName)
	}
	if len(details) == 0 {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, strings.Join(details, ", "))
}

func describeDatasets(block map[string]recipe.DatasetConfig) string {
	if len(block) == 0 {
		return "-"
	}
	names := make([]string, 0, len(block))
	for name := range block {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		ds := block[name]
		desc := name
		if ds.CropSize > 0 {
			desc += fmt.Sprintf(" crop %d", ds.CropSize)
		}
		if ds.UseFFCV != nil && *ds.UseFFCV {
			desc += " ffcv " + path.Join(ds.FFCVDir, ds.FFCVDest)
		} else if ds.Datadir != "" {
			desc += " " + ds.Datadir
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, "; ")
}
