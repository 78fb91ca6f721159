package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/device"
	"github.com/tsingmao/xwtrain/internal/logger"
	"github.com/tsingmao/xwtrain/internal/recipe"
	"github.com/tsingmao/xwtrain/internal/runtime"
)

// RunOptions holds options for the run command
type RunOptions struct {
	*GlobalOptions

	// Recipe is a recipe path or a name in the recipes directory
	Recipe string

	// Name is the run ID (default: derived from the recipe and the time)
	Name string

	// Image is the training image (default: build.tag)
	Image string

	// DataDir is the host directory holding the FFCV datasets
	DataDir string

	// GPUs is "all", "none" or a count (default: run.gpus)
	GPUs string

	// Processes is the number of training processes (default: one per GPU)
	Processes int

	// ShmSize is the shared memory size (default: run.shm_size)
	ShmSize string

	// Env holds extra KEY=VALUE environment variables
	Env []string

	// Detach starts the run without following its logs
	Detach bool

	// Remove deletes the container after a followed run finishes
	Remove bool

	// sysfsRoot is where GPUs are discovered. Tests replace it.
	sysfsRoot string
}

// NewRunCommand creates the run command.
//
// The run command starts a training container from the built image:
//
//	composer -n <processes> train.py -f recipes/<recipe>
//
// Usage:
//
//	xwtrain run RECIPE [--image IMAGE] [--data-dir DIR] [--gpus all|none|N] [--detach]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for running training
func NewRunCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunOptions{
		GlobalOptions: globalOpts,
		sysfsRoot:     device.DefaultSysfsRoot,
	}

	cmd := &cobra.Command{
		Use:   "run RECIPE",
		Short: "Train with a recipe in the training image",
		Long: `Start a training container for a recipe baked into the training image.

The recipe is validated locally first. It must live in the recipes directory,
since the container reads its copy from the image.

GPU Selection:
  With --gpus all (the default) every GPU is requested and one training
  process is launched per NVIDIA GPU found on the host. Recipes whose device
  is not gpu never request GPUs.

Datasets:
  The FFCV directories named by the recipe datasets are bind-mounted from
  --data-dir.`,
		Example: `  # Train the medium recipe and follow its output
  xwtrain run resnet50_medium --data-dir /mnt/imagenet/ffcv

  # Start in the background on 4 GPUs
  xwtrain run resnet50_hot --data-dir /mnt/imagenet/ffcv --gpus 4 -d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Recipe = args[0]
			return runRun(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "run ID (default: <recipe>-<time>)")
	cmd.Flags().StringVar(&opts.Image, "image", "", "training image (default from build.tag)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "host directory with the FFCV datasets (default from run.data_dir)")
	cmd.Flags().StringVar(&opts.GPUs, "gpus", "", "GPUs to request: all, none or a count (default from run.gpus)")
	cmd.Flags().IntVarP(&opts.Processes, "processes", "n", 0, "training processes (default: one per GPU)")
	cmd.Flags().StringVar(&opts.ShmSize, "shm-size", "", "shared memory size, e.g. 16GiB (default from run.shm_size)")
	cmd.Flags().StringArrayVarP(&opts.Env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVarP(&opts.Detach, "detach", "d", false, "start the run in the background")
	cmd.Flags().BoolVar(&opts.Remove, "rm", false, "remove the container when a followed run finishes")

	return cmd
}

// runRun executes the run command logic
func runRun(ctx context.Context, out, errOut io.Writer, opts *RunOptions) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	file, err := opts.resolveRecipePath(opts.Recipe)
	if err != nil {
		return err
	}

	validator, err := opts.newValidator(false)
	if err != nil {
		return err
	}
	doc, err := recipe.Load(file)
	if err != nil {
		return err
	}
	report := validator.Validate(doc)
	logFindings(file, report.Findings)
	if report.HasErrors() {
		return fmt.Errorf("recipe %s failed validation", file)
	}

	params, err := planRun(opts, file, doc.Recipe)
	if err != nil {
		return err
	}

	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()
	rt := runtime.NewDockerRuntime(cli)

	run, err := rt.Create(ctx, params)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx, run.ID); err != nil {
		if rmErr := rt.Remove(context.WithoutCancel(ctx), run.ID, true); rmErr != nil {
			logger.Warn("Failed to remove run %s: %v", run.ID, rmErr)
		}
		return err
	}
	fmt.Fprintf(out, "Started run %s\n", run.ID)

	if opts.Detach {
		fmt.Fprintf(out, "Follow its output with: xwtrain logs -f %s\n", run.ID)
		return nil
	}

	if err := rt.Logs(ctx, run.ID, true, out, errOut); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintf(out, "\nDetached from run %s; it keeps running. Stop it with: xwtrain stop %s\n", run.ID, run.ID)
		return nil
	}

	code, err := rt.Wait(ctx, run.ID)
	if err != nil {
		return err
	}
	if opts.Remove {
		if err := rt.Remove(ctx, run.ID, false); err != nil {
			logger.Warn("Failed to remove run %s: %v", run.ID, err)
		}
	}
	if code != 0 {
		return fmt.Errorf("training run %s exited with code %d", run.ID, code)
	}
	fmt.Fprintf(out, "Run %s finished\n", run.ID)
	return nil
}

// logFindings logs recipe findings at the level of their severity.
func logFindings(file string, findings []recipe.Finding) {
	for _, f := range findings {
		if f.Severity == recipe.SeverityError {
			logger.Error("%s: %s", file, f)
		} else {
			logger.Warn("%s: %s", file, f)
		}
	}
}

// planRun turns the command options and the recipe into container parameters.
func planRun(opts *RunOptions, file string, rec *recipe.TrainingRecipe) (*runtime.CreateParams, error) {
	cfg := opts.Config

	recipesDir, err := filepath.Abs(cfg.Paths.RecipesPath())
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(recipesDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("recipe %s is not in the recipes directory %s; the image only contains those recipes", file, recipesDir)
	}

	gpuSpec := opts.GPUs
	if gpuSpec == "" {
		gpuSpec = cfg.Run.GPUs
	}
	gpus, err := parseGPUs(gpuSpec)
	if err != nil {
		return nil, err
	}
	if dev := rec.DeviceName(); dev != "gpu" && gpus != 0 {
		logger.Info("Recipe trains on %s, not requesting GPUs", orDash(dev))
		gpus = 0
	}

	processes := opts.Processes
	if processes == 0 {
		switch {
		case gpus > 0:
			processes = gpus
		case gpus == runtime.AllGPUs:
			found, err := device.FindGPUs(opts.sysfsRoot)
			switch {
			case err != nil:
				logger.Warn("GPU discovery failed, using the launcher default: %v", err)
			case len(found) == 0:
				logger.Warn("No NVIDIA GPUs found on this host")
			default:
				processes = len(found)
			}
		}
	}

	shmSize := cfg.Run.ShmSize
	if opts.ShmSize != "" {
		shmSize = opts.ShmSize
	}
	var shm int64
	if shmSize != "" {
		n, err := humanize.ParseBytes(shmSize)
		if err != nil {
			return nil, fmt.Errorf("invalid shared memory size %q: %w", shmSize, err)
		}
		shm = int64(n)
	}

	mounts := rec.FFCVDirs()
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.Run.DataDir
	}
	if len(mounts) > 0 && dataDir == "" {
		return nil, fmt.Errorf("recipe reads FFCV data from %s: pass --data-dir or set run.data_dir", strings.Join(mounts, ", "))
	}
	if dataDir != "" {
		if dataDir, err = filepath.Abs(dataDir); err != nil {
			return nil, err
		}
	}

	env, err := parseEnv(opts.Env)
	if err != nil {
		return nil, err
	}

	img := opts.Image
	if img == "" {
		img = cfg.Build.Tag
	}

	params := &runtime.CreateParams{
		RunID:       opts.Name,
		Image:       img,
		Recipe:      filepath.ToSlash(rel),
		Entrypoint:  filepath.Base(cfg.Paths.Entrypoint),
		WorkDir:     cfg.Build.WorkDir,
		Processes:   processes,
		GPUs:        gpus,
		DataDir:     dataDir,
		DataMounts:  mounts,
		ShmSize:     shm,
		Environment: env,
	}
	if params.RunID == "" {
		params.RunID = runtime.NewRunID(params.Recipe, time.Now())
	}
	logger.Debug("Run plan: %d process(es), gpus=%d, shm=%s, mounts=%v", processes, gpus, humanize.IBytes(uint64(shm)), mounts)
	return params, nil
}

// parseGPUs parses "all", "none" or a GPU count.
func parseGPUs(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return runtime.AllGPUs, nil
	case "none":
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid GPU count %q: expected all, none or a number", s)
	}
	return n, nil
}

// parseEnv parses KEY=VALUE pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment variable %q: expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
