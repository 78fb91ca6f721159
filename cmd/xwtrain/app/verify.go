package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtrain/internal/image"
)

// VerifyOptions holds options for the verify command
type VerifyOptions struct {
	*GlobalOptions

	// Image is the image reference (default: build.tag)
	Image string

	// JSON prints the verification result as JSON
	JSON bool
}

// NewVerifyCommand creates the verify command.
//
// Usage:
//
//	xwtrain verify [IMAGE] [--json]
func NewVerifyCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VerifyOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "verify [IMAGE]",
		Short: "Verify a built training image",
		Long: `Verify that a built image satisfies the image contract.

The image working directory must be the configured workdir and must hold the
training entrypoint and exactly the files of the local recipes directory.
The image is inspected through a container that is created, never started,
and removed afterwards.`,
		Example: `  # Verify the default tag
  xwtrain verify

  # Verify a specific image
  xwtrain verify xwtrain/resnet:dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Image = args[0]
			}
			return runVerify(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false,
		"print the result as JSON")

	return cmd
}

// runVerify executes the verify command logic
func runVerify(ctx context.Context, out io.Writer, opts *VerifyOptions) error {
	ref := opts.Image
	if ref == "" {
		ref = opts.Config.Build.Tag
	}
	if ref == "" {
		return fmt.Errorf("image is required")
	}

	// The expected recipe list is exactly what a build would pack.
	bc, err := opts.newBuildContext()
	if err != nil {
		return err
	}

	cli, err := opts.docker()
	if err != nil {
		return err
	}
	defer cli.Close()

	params := opts.dockerfileParams()
	result, err := image.NewVerifier(cli).Verify(ctx, ref, image.VerifyOptions{
		WorkDir:    params.WorkDir,
		Entrypoint: params.Entrypoint,
		Recipes:    bc.Recipes,
	})
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		fmt.Fprintf(out, "Image:       %s\n", result.Image)
		fmt.Fprintf(out, "Workdir:     %s\n", orDash(result.WorkDir))
		fmt.Fprintf(out, "Entrypoint:  %v\n", result.EntrypointFound)
		fmt.Fprintf(out, "Recipes:     %d\n", len(result.Recipes))
		for _, p := range result.Problems {
			fmt.Fprintf(out, "  problem: %s\n", p)
		}
	}

	if !result.OK() {
		return fmt.Errorf("image %s does not satisfy the image contract (%d problem(s))", ref, len(result.Problems))
	}
	return nil
}
