package cmd

import (
	"github.com/spf13/cobra"
)

func (a *app) newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "compile <id>",
		Aliases: []string{"c"},
		Short:   "Print the compiled module for one template",
		Long: `Compile a single template with the module wrapper (-t) and print the
result. <id> is the file name in the template directory without its extension.`,
		Example: "  hyte compile paragraph -d public/views",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := a.newEngine().CompileModule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(script)

			return err
		},
	}
}
