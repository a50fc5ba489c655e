//go:build property

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestErrorTaxonomyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	sentinels := []*HyteError{ErrIO, ErrNotFound, ErrSyntax, ErrEndpoint, ErrParse, ErrTimeout, ErrWatch, ErrConfig, ErrValidation}

	properties.Property("sentinel survives any wrapping depth", prop.ForAll(
		func(i, depth int, msg string) bool {
			var err error = &HyteError{Type: sentinels[i].Type, Code: "X", Message: msg}
			for d := 0; d < depth; d++ {
				err = fmt.Errorf("layer %d: %w", d, err)
			}

			for j, s := range sentinels {
				if errors.Is(err, s) != (i == j) {
					return false
				}
			}

			return GetType(err) == sentinels[i].Type
		},
		gen.IntRange(0, len(sentinels)-1),
		gen.IntRange(0, 8),
		gen.AlphaString(),
	))

	properties.Property("collection message names every field", prop.ForAll(
		func(fields []string) bool {
			var vec ValidationErrorCollection
			for _, f := range fields {
				vec.AddField("f_"+f, nil, "bad")
			}
			he := vec.ToHyteError()
			if len(fields) == 0 {
				return he == nil
			}
			for _, f := range fields {
				if _, ok := he.Context["f_"+f]; !ok {
					return false
				}
			}

			return errors.Is(he, ErrConfig)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
