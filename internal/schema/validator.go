// internal/schema/validator.go
// Package schema provides JSON schema validation for incoming query payloads.
// It ensures that a query conforms to a known wire shape before it is
// canonicalized, and reports which shape version it matched so the version can
// be persisted alongside the minted DOI.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Query wire shape versions in the order they are tried. A payload is tagged
// with the first version whose schema accepts it.
var queryVersions = []string{"1.0.0"}

// querySchemas maps a shape version to its JSON schema. The filters value may
// arrive as a delimited string or as a mapping from field name to one or more
// values; the version key and the other top-level parameters are free-form
// scalars.
var querySchemas = map[string]string{
	"1.0.0": `{
		"type": "object",
		"properties": {
			"version": {"type": ["integer", "string"]},
			"filters": {
				"type": ["string", "object", "null"],
				"additionalProperties": {
					"type": ["array", "string", "number", "boolean"],
					"items": {"type": ["string", "number", "boolean"]}
				}
			}
		},
		"additionalProperties": {"type": ["string", "number", "boolean", "null"]}
	}`,
}

// Validator validates query payloads against the known wire shape schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of shape versions to compiled schemas
}

// NewValidator creates a new query shape validator.
// It compiles all known shape schemas and prepares them for validation.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during initialization
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(querySchemas)),
	}

	for version, schemaJSON := range querySchemas {
		// Compile the schema for efficient validation
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("invalid query schema %s: %w", version, err)
		}
		v.schemas[version] = schema
	}

	return v, nil
}

// Validate validates a raw query payload against the known wire shapes.
// Parameters:
//   - query: The raw query as decoded JSON
// Returns:
//   - string: The shape version the payload matched
//   - error: nil if valid, error with details if no shape accepts the payload
func (v *Validator) Validate(query map[string]interface{}) (string, error) {
	// Convert the query to JSON for validation
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("failed to marshal query: %w", err)
	}

	var lastErrs []string
	for _, version := range queryVersions {
		result, err := v.schemas[version].Validate(gojsonschema.NewBytesLoader(queryJSON))
		if err != nil {
			return "", fmt.Errorf("validation error: %w", err)
		}
		if result.Valid() {
			return version, nil
		}

		lastErrs = lastErrs[:0]
		for _, desc := range result.Errors() {
			lastErrs = append(lastErrs, desc.String())
		}
	}

	return "", fmt.Errorf("query does not match any known shape: %s", strings.Join(lastErrs, "; "))
}
