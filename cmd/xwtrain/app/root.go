// Package app provides the command-line interface implementation for xwtrain.
//
// Commands are organized with cobra: one file per command, each exposing a
// NewXxxCommand constructor that receives the global options. The root
// command loads the tool configuration and initializes the logger before any
// subcommand runs.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/go-version"
	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/config"
	"github.com/tsingmao/xwtrain/internal/image"
	"github.com/tsingmao/xwtrain/internal/logger"
	"github.com/tsingmao/xwtrain/internal/manifest"
	"github.com/tsingmao/xwtrain/internal/recipe"
	"github.com/tsingmao/xwtrain/internal/runtime"
)

const (
	// cliName is the name of the CLI application
	cliName = "xwtrain"

	// cliDescription is the short description shown in help text
	cliDescription = "xwtrain - package and validate ResNet training recipes"
)

// DockerClient is the Docker Engine API used by the build, verify and run
// commands. *client.Client satisfies it.
type DockerClient interface {
	image.DockerAPI
	runtime.ContainerAPI
	Close() error
}

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// ConfigPath is the configuration file (default ~/.xwtrain/config.yaml)
	ConfigPath string

	// Verbose enables debug logging
	Verbose bool

	// Config is loaded before any subcommand runs
	Config *config.Config

	// dockerClient connects to the Docker daemon. Tests replace it.
	dockerClient func() (DockerClient, error)
}

// NewXWTrainCommand creates the root xwtrain command with all subcommands.
//
// Returns:
//   - A configured cobra.Command ready for execution
//
// Example:
//
//	cmd := NewXWTrainCommand()
//	if err := cmd.Execute(); err != nil {
//	    os.Exit(1)
//	}
func NewXWTrainCommand() *cobra.Command {
	return newRootCommand(&GlobalOptions{
		dockerClient: func() (DockerClient, error) {
			cli, err := runtime.NewDockerClient()
			if err != nil {
				return nil, err
			}
			return cli, nil
		},
	})
}

func newRootCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `xwtrain packages the ResNet training recipes into a container image.

Recipes are YAML documents read by the Composer trainer. xwtrain checks them
against the component names registered by the trainer version pinned in the
dependency manifest, builds the training image from a caller-supplied base
image, verifies the built image and runs training containers from it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "",
		"config file (default: $XWTRAIN_CONFIG or ~/.xwtrain/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewValidateCommand(opts),
		NewShowCommand(opts),
		NewListCommand(opts),
		NewDockerfileCommand(opts),
		NewBuildCommand(opts),
		NewVerifyCommand(opts),
		NewRunCommand(opts),
		NewPsCommand(opts),
		NewLogsCommand(opts),
		NewStopCommand(opts),
		NewRmCommand(opts),
		NewRegistryCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}

// init loads the configuration and sets up logging.
func (o *GlobalOptions) init() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	if err := logger.Init(level, cfg.Log.Format); err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	o.Config = cfg
	logger.Debug("Project directory: %s", cfg.Paths.ProjectDir)
	return nil
}

// docker connects to the Docker daemon.
func (o *GlobalOptions) docker() (DockerClient, error) {
	cli, err := o.dockerClient()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return cli, nil
}

// trainerRegistry loads the configured registry, or the built-in one.
func (o *GlobalOptions) trainerRegistry() (*config.TrainerRegistry, error) {
	reg, err := config.LoadTrainerRegistry(o.Config.Registry.File)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// resolveTrainer finds the trainer requirement in the dependency manifest and
// the registry release matching its pinned version.
//
// Returns:
//   - Registry release used for validation
//   - The manifest requirement of the trainer package
//   - Error if the manifest does not list the trainer or no release matches
func (o *GlobalOptions) resolveTrainer() (*config.TrainerRelease, *manifest.Requirement, error) {
	reg, err := o.trainerRegistry()
	if err != nil {
		return nil, nil, err
	}

	manifestPath := o.Config.Paths.ManifestPath()
	m, err := manifest.LoadRequirements(manifestPath)
	if err != nil {
		return nil, nil, err
	}

	req, ok := m.Find(reg.Package)
	if !ok {
		return nil, nil, fmt.Errorf("dependency manifest %s does not list the trainer package %s", manifestPath, reg.Package)
	}

	var v *version.Version
	if req.Pinned() {
		if v, err = req.Version(); err != nil {
			return nil, nil, err
		}
	}

	rel, err := reg.Resolve(v)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Trainer %s resolved to registry release %q", req, rel.Constraint)
	return rel, req, nil
}

// newValidator creates a recipe validator for the pinned trainer.
func (o *GlobalOptions) newValidator(strict bool) (*recipe.Validator, error) {
	rel, _, err := o.resolveTrainer()
	if err != nil {
		return nil, err
	}
	return recipe.NewValidator(rel, recipe.Options{Strict: strict || o.Config.Validation.Strict}), nil
}

// dockerfileParams derives the Dockerfile parameters from the configuration.
func (o *GlobalOptions) dockerfileParams() image.DockerfileParams {
	return image.DockerfileParams{
		WorkDir:        o.Config.Build.WorkDir,
		DebianFrontend: o.Config.Build.DebianFrontend,
		Entrypoint:     filepath.Base(o.Config.Paths.Entrypoint),
	}
}

// newBuildContext renders the Dockerfile and packs the build materials.
func (o *GlobalOptions) newBuildContext() (*image.BuildContext, error) {
	dockerfile, err := image.RenderDockerfile(o.dockerfileParams())
	if err != nil {
		return nil, err
	}
	paths := o.Config.Paths
	return image.NewBuildContext(image.BuildSources{
		Dockerfile: dockerfile,
		Manifest:   paths.ManifestPath(),
		Entrypoint: paths.EntrypointPath(),
		RecipesDir: paths.RecipesPath(),
	})
}

// resolveRecipePath finds a recipe given as a path or as a name inside the
// recipes directory ("resnet50_medium" or "resnet50_medium.yaml").
func (o *GlobalOptions) resolveRecipePath(name string) (string, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}

	dir := o.Config.Paths.RecipesPath()
	candidates := []string{filepath.Join(dir, name)}
	if !recipe.IsRecipeFile(name) {
		candidates = append(candidates, filepath.Join(dir, name+".yaml"), filepath.Join(dir, name+".yml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("recipe not found: %s (looked in %s)", name, dir)
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// orDash returns "-" for empty table cells.
func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
