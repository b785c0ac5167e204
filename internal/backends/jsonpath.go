package backends

import (
	"encoding/json"
	"fmt"
	"strings"
)

// splitReference splits "name#field" into its parts. field is empty when no
// separator is present.
func splitReference(ref string) (string, string) {
	if idx := strings.Index(ref, "#"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// extractJSONField reads a dotted field path out of a JSON document. A
// leading dot is optional.
func extractJSONField(doc, path string) (string, error) {
	var data interface{}
	if err := json.Unmarshal([]byte(doc), &data); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	current := data
	for _, part := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		if part == "" {
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("cannot navigate into non-object at '%s'", part)
		}
		val, exists := obj[part]
		if !exists {
			return "", fmt.Errorf("field '%s' not found in JSON", part)
		}
		current = val
	}

	switch v := current.(type) {
	case string:
		return v, nil
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal field: %w", err)
		}
		return string(b), nil
	}
}
