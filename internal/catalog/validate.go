package catalog

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// ValidateSchema checks raw catalogue config bytes against the embedded CUE
// schema. Returns all violations found, not just the first; an empty slice
// means the document is valid.
//
// Uses the CUE SDK's Go API in-process, not a CLI subprocess.
func ValidateSchema(raw []byte) []error {
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return []error{fmt.Errorf("decode yaml: %w", err)}
	}
	if data == nil {
		return []error{fmt.Errorf("empty catalog config document")}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		// The schema is embedded; failing to compile it is a programming
		// error, but surface it rather than panic.
		return []error{fmt.Errorf("compile embedded schema: %w", err)}
	}

	unified := schema.Unify(ctx.Encode(data))
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		var errs []error
		for _, e := range cueerrors.Errors(err) {
			errs = append(errs, fmt.Errorf("%s", cueerrors.Details(e, nil)))
		}
		return errs
	}
	return nil
}
