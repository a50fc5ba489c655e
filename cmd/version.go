package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/hyte/internal/version"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			short, _ := cmd.Flags().GetBool("short")
			out := cmd.OutOrStdout()

			switch {
			case format == "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(version.GetBuildInfo())
			case format != "text":
				return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
			case short:
				_, err := fmt.Fprintln(out, version.GetShortVersion())
				return err
			default:
				_, err := fmt.Fprintln(out, version.GetDetailedVersion())
				return err
			}
		},
	}

	cmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	cmd.Flags().Bool("short", false, "Show short version only")

	return cmd
}
