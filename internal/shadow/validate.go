package shadow

import "strings"

const (
	maxNameLength        = 256
	maxDescriptionLength = 10000
	maxSchemaDepth       = 20
)

// validateDescriptor rejects a malformed descriptor before it ever enters
// the registry. A non-nil error means the caller should raise a
// suspicious_description/malformed report rather than register the tool.
func validateDescriptor(d ToolDescriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return errMalformed("missing or empty tool name")
	}
	if len(d.Name) > maxNameLength {
		return errMalformed("tool name exceeds 256 characters")
	}
	if len(d.Description) > maxDescriptionLength {
		return errMalformed("tool description exceeds 10000 characters")
	}
	if d.InputSchema == nil {
		return errMalformed("input schema is not a mapping")
	}
	if depth := schemaDepth(d.InputSchema, 0); depth > maxSchemaDepth {
		return errMalformed("input schema exceeds max depth of 20")
	}
	return nil
}

type malformedError struct{ reason string }

func (e *malformedError) Error() string { return e.reason }

func errMalformed(reason string) error { return &malformedError{reason: reason} }

// schemaDepth counts nesting depth, incrementing at every nested mapping
// or array.
func schemaDepth(v interface{}, depth int) int {
	switch val := v.(type) {
	case map[string]interface{}:
		max := depth
		for _, child := range val {
			if d := schemaDepth(child, depth+1); d > max {
				max = d
			}
		}
		return max
	case []interface{}:
		max := depth
		for _, child := range val {
			if d := schemaDepth(child, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}
