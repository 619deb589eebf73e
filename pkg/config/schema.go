package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// schemaValidator checks raw configuration trees against the embedded CUE
// schema before they are decoded into the typed Config.
type schemaValidator struct {
	ctx    *cue.Context
	schema cue.Value
}

func newSchemaValidator() (*schemaValidator, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile configuration schema: %w", err)
	}

	schema := val.LookupPath(cue.ParsePath("#Config"))
	if !schema.Exists() {
		return nil, fmt.Errorf("configuration schema has no #Config definition")
	}

	return &schemaValidator{ctx: ctx, schema: schema}, nil
}

// validate unifies raw data with the schema and reports each violation with
// its configuration path.
func (sv *schemaValidator) validate(raw map[string]interface{}) error {
	dataVal := sv.ctx.Encode(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	unified := sv.schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("configuration schema violation:\n%s", formatSchemaErrors(err))
	}

	return nil
}

// formatSchemaErrors renders CUE errors one per line, path first.
func formatSchemaErrors(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		msg := e.Error()
		if path != "" {
			lines = append(lines, fmt.Sprintf("  %s: %s", path, msg))
		} else {
			lines = append(lines, fmt.Sprintf("  %s", msg))
		}
	}
	return strings.Join(lines, "\n")
}
