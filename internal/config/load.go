package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Load reads a pipeline definition, dispatching on the file extension:
// .cue files are unified with the #Pipeline schema and read from the
// top-level pipeline field; .yaml and .yml files are decoded strictly.
// The result has defaults applied and is validated.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{File: path, Field: "file", Message: err.Error()}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(path, data)
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return nil, &Error{File: path, Field: "file", Message: "unsupported extension (want .cue, .yaml, or .yml)"}
	}
}

// ParseCUE decodes a CUE pipeline definition. filename is used in positions.
func ParseCUE(filename string, data []byte) (*Pipeline, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError("schema.cue", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(filename, err)
	}

	pv := schema.Unify(v).LookupPath(cue.ParsePath("pipeline"))
	if !pv.Exists() {
		return nil, &Error{File: filename, Field: "pipeline", Message: "pipeline field is required"}
	}
	if err := pv.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(filename, err)
	}

	// Decode through JSON so both formats share the Pipeline tags and
	// Duration parsing.
	raw, err := pv.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(filename, err)
	}
	var p Pipeline
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &Error{File: filename, Field: "pipeline", Message: err.Error()}
	}

	return finish(filename, &p)
}

// ParseYAML decodes a YAML pipeline definition. Unknown fields are errors.
func ParseYAML(filename string, data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, &Error{File: filename, Field: "yaml", Message: err.Error()}
	}
	return finish(filename, &p)
}

func finish(filename string, p *Pipeline) (*Pipeline, error) {
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		var cfgErr *Error
		if errors.As(err, &cfgErr) {
			cfgErr.File = filename
		}
		return nil, err
	}
	return p, nil
}
