package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/image"
	"github.com/tsingmao/xwtrain/internal/logger"
	"github.com/tsingmao/xwtrain/internal/recipe"
)

// BuildOptions holds options for the build command
type BuildOptions struct {
	*GlobalOptions

	// BaseImage is the BASE_IMAGE build argument
	BaseImage string

	// Tags are applied to the built image
	Tags []string

	// NoCache disables the build cache
	NoCache bool

	// Pull always pulls the base image
	Pull bool

	// SkipValidate builds without validating the recipes first
	SkipValidate bool
}

// NewBuildCommand creates the build command.
//
// The build command validates the recipes, renders the Dockerfile, packs the
// build context and builds the training image through the Docker daemon.
//
// Usage:
//
//	xwtrain build --base-image IMAGE [--tag TAG]... [--no-cache] [--pull] [--skip-validate]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for building the training image
func NewBuildCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &BuildOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the training image",
		Long: `Build the training image from a base image.

The base image is supplied by the caller (--base-image or build.base_image in
the configuration) and must provide Python and pip. The dependency manifest is
installed on top of it and the training entrypoint and recipes are copied into
the image working directory.

Recipes are validated first; the build does not start if any has an error.
A failed build step aborts the build and its error is reported unchanged.`,
		Example: `  # Build on a CUDA base image
  xwtrain build --base-image mosaicml/pytorch:1.12.1_cu116-python3.9-ubuntu20.04

  # Build without cache and with an extra tag
  xwtrain build --base-image python:3.9 --no-cache -t xwtrain/resnet:dev`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.BaseImage, "base-image", "",
		"base image passed as BASE_IMAGE (required unless set in the config)")
	cmd.Flags().StringSliceVarP(&opts.Tags, "tag", "t", nil,
		"image tag (default from build.tag, repeatable)")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false,
		"do not use the build cache")
	cmd.Flags().BoolVar(&opts.Pull, "pull", false,
		"always attempt to pull a newer base image")
	cmd.Flags().BoolVar(&opts.SkipValidate, "skip-validate", false,
		"build without validating the recipes")

	return cmd
}

// runBuild executes the build command logic
func runBuild(ctx context.Context, out io.Writer, opts *BuildOptions) error {
	cfg := opts.Config

	baseImage := opts.BaseImage
	if baseImage == "" {
		baseImage = cfg.Build.BaseImage
	}
	if baseImage == "" {
		return fmt.Errorf("base image is required (set --base-image or build.base_image)")
	}
	tags := opts.Tags
	if len(tags) == 0 && cfg.Build.Tag != "" {
		tags = []string{cfg.Build.Tag}
	}

	rel, trainer, err := opts.resolveTrainer()
	if err != nil {
		return err
	}

	if !opts.SkipValidate {
		validator := recipe.NewValidator(rel, recipe.Options{Strict: cfg.Validation.Strict})
		files, err := recipe.RecipeFiles(cfg.Paths.RecipesPath())
		if err != nil {
			return err
		}
		reports, err := validator.ValidateFiles(ctx, files, cfg.Validation.Parallelism)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range reports {
			if !r.HasErrors() {
				continue
			}
			failed++
			for _, f := range r.Findings {
				logger.Error("%s: %s", r.File, f)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d recipe(s) failed validation, not building", failed)
		}
		logger.Info("Validated %d recipe(s) against %s", len(reports), trainer)
	}

	if ok, err := image.CheckDockerfile(cfg.Paths.DockerfilePath(), opts.dockerfileParams()); err != nil || !ok {
		logger.Warn("%s differs from the rendered Dockerfile; building with the rendering", cfg.Paths.DockerfilePath())
	}

	bc, err := opts.newBuildContext()
	if err != nil {
		return err
	}

	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()

	result, err := image.NewBuilder(cli).Build(ctx, bc, image.BuildOptions{
		BaseImage:      baseImage,
		DebianFrontend: cfg.Build.DebianFrontend,
		Tags:           tags,
		WorkDir:        cfg.Build.WorkDir,
		NoCache:        opts.NoCache || cfg.Build.NoCache,
		Pull:           opts.Pull || cfg.Build.Pull,
		Labels: map[string]string{
			image.LabelTrainer: trainer.String(),
		},
	}, out)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Successfully built %s\n", result.ImageID)
	for _, tag := range result.Tags {
		fmt.Fprintf(out, "Successfully tagged %s\n", tag)
	}
	return nil
}
