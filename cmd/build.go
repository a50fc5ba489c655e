package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/hyte/internal/logging"
)

func (a *app) newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "build",
		Aliases: []string{"b"},
		Short:   "Compile every template into the bundle file",
		Long: `Compile every template in the template directory and write the bundle to
compile.bundle_output (-o). Nothing is written if any template fails.`,
		Args: cobra.NoArgs,
		RunE: a.runBuild,
	}
	cmd.Flags().Bool("stdout", false, "Also print the bundle")

	return cmd
}

func (a *app) runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine := a.newEngine()

	perf := logging.StartOperation(a.logger, "build")
	bundle, err := engine.CompileBundle(ctx)
	if err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	perf.End(ctx, "output", a.cfg.Compile.BundleOutput, "bytes", len(bundle))

	if toStdout, _ := cmd.Flags().GetBool("stdout"); toStdout {
		_, err = cmd.OutOrStdout().Write(bundle)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", a.cfg.Compile.BundleOutput, len(bundle))

	return nil
}
