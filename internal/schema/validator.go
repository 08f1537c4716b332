// internal/schema/validator.go
// Package schema provides JSON schema validation for client-supplied payloads.
// It checks share customDesign bodies and ad-hoc rollup requests before they
// reach the share service or the aggregation engine.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Names of the compiled schemas.
const (
	CustomDesign  = "share.customDesign" // Owner-supplied rendering payload
	RollupRequest = "rollup.request"     // Ad-hoc aggregation request
)

// customDesignSchema keeps html/css as strings and leaves additionalData open.
const customDesignSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "html": {"type": "string", "maxLength": 65536},
    "css": {"type": "string", "maxLength": 65536},
    "additionalData": {"type": "object"}
  }
}`

// rollupRequestSchema rejects unknown keys at every level so a misspelled
// filter fails instead of widening the rollup.
const rollupRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["collection", "metrics"],
  "properties": {
    "collection": {"type": "string", "minLength": 1},
    "where": {"type": "object"},
    "groupBy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["none", "field", "time"]},
        "field": {"type": "string"},
        "granularity": {"enum": ["day", "month", "year"]}
      }
    },
    "metrics": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/metric"}},
    "join": {
      "type": "object",
      "additionalProperties": false,
      "required": ["collection", "foreignField", "metrics"],
      "properties": {
        "collection": {"type": "string", "minLength": 1},
        "foreignField": {"type": "string", "minLength": 1},
        "localField": {"type": "string"},
        "metrics": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/metric"}}
      }
    },
    "keep": {"type": "array", "items": {"type": "string"}},
    "order": {"enum": ["", "asc", "desc"]},
    "sortBy": {"type": "string"},
    "limit": {"type": "integer", "minimum": 0}
  },
  "definitions": {
    "metric": {
      "type": "object",
      "additionalProperties": false,
      "required": ["name", "op"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "op": {"enum": ["count", "sum", "avg", "distinct", "countIf"]},
        "field": {"type": "string"},
        "where": {"type": "object"}
      }
    }
  }
}`

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	Schema   string   // Schema name
	Problems []string // One entry per violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed against %s: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of schema names to compiled schemas
}

// NewValidator creates a new schema validator with all schemas compiled.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during compilation
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}

	if err := v.loadSchema(CustomDesign, customDesignSchema); err != nil {
		return nil, err
	}
	if err := v.loadSchema(RollupRequest, rollupRequestSchema); err != nil {
		return nil, err
	}
	return v, nil
}

// loadSchema parses and compiles one schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks doc against the named schema.
// Parameters:
//   - name: The schema name (CustomDesign or RollupRequest)
//   - doc: Any JSON-marshalable value
//
// Returns:
//   - error: nil if valid, *ValidationError if invalid, other errors on failure
func (v *Validator) Validate(name string, doc interface{}) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		verr := &ValidationError{Schema: name}
		for _, desc := range result.Errors() {
			verr.Problems = append(verr.Problems, desc.String())
		}
		return verr
	}
	return nil
}
