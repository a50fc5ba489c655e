package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

func (a *app) newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "render <id>",
		Aliases: []string{"r"},
		Short:   "Render a template to HTML",
		Long: `Render a template with inline JSON data, a JSON file, or the JSON document
returned by a remote endpoint.`,
		Example: `  hyte render paragraph --data '{"message":"hi"}'
  hyte render paragraph --data @data/paragraph.json
  hyte render paragraph --data-uri http://localhost:3000/data/paragraph.json`,
		Args: cobra.ExactArgs(1),
		RunE: a.runRender,
	}

	cmd.Flags().String("data", "", "Template data (JSON or @file.json)")
	cmd.Flags().String("data-uri", "", "Fetch template data from this URI")
	cmd.MarkFlagsMutuallyExclusive("data", "data-uri")

	return cmd
}

func (a *app) runRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine := a.newEngine()
	r := a.newRenderer(engine)

	var (
		html string
		err  error
	)
	if uri, _ := cmd.Flags().GetString("data-uri"); uri != "" {
		html, err = r.RenderRemote(ctx, args[0], uri)
	} else {
		arg, _ := cmd.Flags().GetString("data")
		data, parseErr := parseData(arg)
		if parseErr != nil {
			return parseErr
		}
		html, err = r.RenderInline(ctx, args[0], data)
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), html)

	return err
}

// parseData reads inline JSON, or a file when arg starts with @. An empty
// arg yields an empty object.
func parseData(arg string) (interface{}, error) {
	if arg == "" {
		return map[string]interface{}{}, nil
	}

	raw := []byte(arg)
	source := "--data"
	if filename, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, herrors.NewIOError(herrors.ErrCodeReadFailed, "read data file "+filename, err)
		}
		raw, source = data, filename
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, herrors.Wrap(err, herrors.ErrorTypeValidation, herrors.ErrCodeInvalidJSON, "invalid JSON in "+source)
	}

	return data, nil
}
