// Package schema validates sync batch entries against embedded JSON Schemas,
// compiled once via santhosh-tekuri/jsonschema and cached for the process
// lifetime.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed *.json
var schemaFS embed.FS

// Schema names addressable through the validator.
const (
	RecordSimple   = "record_simple"
	RecordCompound = "record_compound"
	RecordChild    = "record_child"
	RecordDetail   = "recorddetail"
)

// Validator holds the compiled schema set for the sync wire format.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema. The set is fixed at build
// time, so a compilation failure is a programming error surfaced at startup.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	names := []string{RecordSimple, RecordCompound, RecordChild, RecordDetail}
	compiled := make(map[string]*jsonschema.Schema, len(names))

	for _, name := range names {
		raw, err := schemaFS.ReadFile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}

		url := "memory://sync/" + name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = schema
	}

	return &Validator{compiled: compiled}, nil
}

// Validate checks a decoded entry against the named schema.
func (v *Validator) Validate(name string, document any) error {
	schema, ok := v.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// ValidateRaw decodes the payload and validates it against the named schema.
func (v *Validator) ValidateRaw(name string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required for validation")
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return v.Validate(name, document)
}
