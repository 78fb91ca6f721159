package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/image"
	"github.com/tsingmao/xwtrain/internal/logger"
)

// DockerfileOptions holds options for the dockerfile command
type DockerfileOptions struct {
	*GlobalOptions

	// Write replaces the project Dockerfile with the rendering
	Write bool

	// Check fails if the project Dockerfile differs from the rendering
	Check bool
}

// NewDockerfileCommand creates the dockerfile command.
//
// Usage:
//
//	xwtrain dockerfile [--write | --check]
func NewDockerfileCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &DockerfileOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Render the training image Dockerfile",
		Long: `Render the Dockerfile of the training image.

The Dockerfile takes BASE_IMAGE as a required build argument, installs the
dependency manifest and copies the training entrypoint and the recipes
directory into the image working directory.`,
		Example: `  # Print the Dockerfile
  xwtrain dockerfile

  # Fail if the checked-in Dockerfile is out of date
  xwtrain dockerfile --check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDockerfile(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Write, "write", false,
		"write the rendering to the project Dockerfile")
	cmd.Flags().BoolVar(&opts.Check, "check", false,
		"check that the project Dockerfile matches the rendering")
	cmd.MarkFlagsMutuallyExclusive("write", "check")

	return cmd
}

// runDockerfile executes the dockerfile command logic
func runDockerfile(out io.Writer, opts *DockerfileOptions) error {
	params := opts.dockerfileParams()
	target := opts.Config.Paths.DockerfilePath()

	switch {
	case opts.Check:
		ok, err := image.CheckDockerfile(target, params)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is out of date, run 'xwtrain dockerfile --write'", target)
		}
		fmt.Fprintf(out, "%s is up to date\n", target)
		return nil

	case opts.Write:
		data, err := image.RenderDockerfile(params)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("failed to write Dockerfile: %w", err)
		}
		logger.Info("Wrote %s", target)
		return nil

	default:
		data, err := image.RenderDockerfile(params)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
}
