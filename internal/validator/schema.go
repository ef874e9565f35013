// Package validator implements the Output Validator: extracting the
// embedded JSON Schema and Retry Info sections from a task's markdown,
// validating structured output against a documented JSON Schema subset,
// and validating output size.
package validator

import (
	"encoding/json"
	"fmt"
)

// Schema is the documented JSON Schema subset this validator supports:
// object/array/string/number/integer/boolean, type, required, enum,
// properties, items, min/max, pattern. Unknown keywords are ignored.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Enum                 []interface{}      `json:"enum,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	Pattern              string             `json:"pattern,omitempty"`

	// raw preserves the original document for idempotent round-tripping
	// through renderSchemaSection/extractSchema, including any keywords
	// this subset doesn't model.
	raw json.RawMessage `json:"-"`
}

// ParseSchema decodes a JSON Schema document, retaining the raw bytes for
// round-trip rendering.
func ParseSchema(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	s.raw = append(json.RawMessage{}, raw...)
	return &s, nil
}

// Raw returns the schema's canonical bytes, normalized to the same
// marshaling this package performs on render — this is what makes
// round-trip through extract/render idempotent.
func (s *Schema) Raw() ([]byte, error) {
	if len(s.raw) > 0 {
		var canon interface{}
		if err := json.Unmarshal(s.raw, &canon); err != nil {
			return nil, err
		}
		return json.MarshalIndent(canon, "", "  ")
	}
	return json.MarshalIndent(s, "", "  ")
}
