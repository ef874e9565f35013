package validator

import (
	"fmt"
	"regexp"
)

// Result is the outcome of validating a value against a Schema.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks value against schema, supporting the documented JSON
// Schema subset: type, required, enum, properties, items, min/max,
// pattern. Unknown keywords on the schema are ignored.
func Validate(value interface{}, schema *Schema) Result {
	var errs []string
	validateNode("$", value, schema, &errs)
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func validateNode(path string, value interface{}, schema *Schema, errs *[]string) {
	if schema == nil {
		return
	}

	if schema.Type != "" && !matchesType(value, schema.Type) {
		*errs = append(*errs, fmt.Sprintf("%s: expected type %q", path, schema.Type))
		return
	}

	switch schema.Type {
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected object", path))
			return
		}
		for _, req := range schema.Required {
			if _, ok := obj[req]; !ok {
				*errs = append(*errs, fmt.Sprintf("%s: missing required field %q", path, req))
			}
		}
		for name, propSchema := range schema.Properties {
			if v, ok := obj[name]; ok {
				validateNode(path+"."+name, v, propSchema, errs)
			}
		}
	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected array", path))
			return
		}
		if schema.MinItems != nil && len(arr) < *schema.MinItems {
			*errs = append(*errs, fmt.Sprintf("%s: expected at least %d items", path, *schema.MinItems))
		}
		if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
			*errs = append(*errs, fmt.Sprintf("%s: expected at most %d items", path, *schema.MaxItems))
		}
		if schema.Items != nil {
			for i, item := range arr {
				validateNode(fmt.Sprintf("%s[%d]", path, i), item, schema.Items, errs)
			}
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected string", path))
			return
		}
		if schema.MinLength != nil && len(s) < *schema.MinLength {
			*errs = append(*errs, fmt.Sprintf("%s: expected length >= %d", path, *schema.MinLength))
		}
		if schema.MaxLength != nil && len(s) > *schema.MaxLength {
			*errs = append(*errs, fmt.Sprintf("%s: expected length <= %d", path, *schema.MaxLength))
		}
		if schema.Pattern != "" {
			re, err := regexp.Compile(schema.Pattern)
			if err != nil {
				*errs = append(*errs, fmt.Sprintf("%s: invalid pattern %q", path, schema.Pattern))
			} else if !re.MatchString(s) {
				*errs = append(*errs, fmt.Sprintf("%s: does not match pattern %q", path, schema.Pattern))
			}
		}
	case "number", "integer":
		n, ok := asFloat(value)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected number", path))
			return
		}
		if schema.Type == "integer" && n != float64(int64(n)) {
			*errs = append(*errs, fmt.Sprintf("%s: expected integer", path))
		}
		if schema.Minimum != nil && n < *schema.Minimum {
			*errs = append(*errs, fmt.Sprintf("%s: expected >= %v", path, *schema.Minimum))
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			*errs = append(*errs, fmt.Sprintf("%s: expected <= %v", path, *schema.Maximum))
		}
	}

	if len(schema.Enum) > 0 && !inEnum(value, schema.Enum) {
		*errs = append(*errs, fmt.Sprintf("%s: value not in enum", path))
	}
}

func matchesType(value interface{}, typ string) bool {
	switch typ {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := asFloat(value)
		return ok
	case "integer":
		n, ok := asFloat(value)
		return ok && n == float64(int64(n))
	default:
		return true
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func inEnum(value interface{}, enum []interface{}) bool {
	for _, candidate := range enum {
		if fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
