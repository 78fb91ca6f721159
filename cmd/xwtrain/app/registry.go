package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tsingmao/xwtrain/internal/config"
	"github.com/tsingmao/xwtrain/internal/logger"
)

// NewRegistryCommand creates the registry command group.
//
// Usage:
//
//	xwtrain registry dump [FILE]
//	xwtrain registry resolve
func NewRegistryCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the trainer registry",
		Long: `Inspect the trainer registry: the component names each trainer release
registers, used to validate recipes.

The built-in registry can be overridden with a YAML file (registry.file in the
configuration). 'registry dump FILE' writes a starting point for one.`,
	}

	cmd.AddCommand(
		newRegistryDumpCommand(globalOpts),
		newRegistryResolveCommand(globalOpts),
	)
	return cmd
}

func newRegistryDumpCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump [FILE]",
		Short: "Print or write the trainer registry",
		Example: `  # Print the active registry
  xwtrain registry dump

  # Write it to a file for editing
  xwtrain registry dump ~/.xwtrain/registry.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.trainerRegistry()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := config.WriteTrainerRegistry(args[0], reg); err != nil {
					return err
				}
				logger.Info("Wrote trainer registry to %s", args[0])
				return nil
			}
			return dumpRegistry(cmd.OutOrStdout(), reg)
		},
	}
}

func newRegistryResolveCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Show the registry release used for the pinned trainer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, req, err := opts.resolveTrainer()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Trainer:     %s\n", req)
			fmt.Fprintf(out, "Pinned:      %v\n", req.Pinned())
			fmt.Fprintf(out, "Release:     %s\n", rel.Constraint)
			fmt.Fprintf(out, "Algorithms:  %d\n", len(rel.Algorithms))
			fmt.Fprintf(out, "Ranges:      %d\n", len(rel.Ranges))
			return nil
		},
	}
}

func dumpRegistry(out io.Writer, reg *config.TrainerRegistry) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(reg); err != nil {
		return fmt.Errorf("failed to encode trainer registry: %w", err)
	}
	return enc.Close()
}
