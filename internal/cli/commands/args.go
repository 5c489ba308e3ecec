package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// parseToolArgs turns key=value pairs into tool arguments. Values are typed by the
// property's type in schema; anything without a known type stays a string.
func parseToolArgs(schema map[string]any, pairs []string) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)

	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q: expected key=value", pair)
		}

		var typ string
		if prop, ok := props[key].(map[string]any); ok {
			typ, _ = prop["type"].(string)
		}
		v, err := convertArg(typ, raw)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		args[key] = v
	}
	return args, nil
}

func convertArg(typ, raw string) (any, error) {
	switch typ {
	case "integer":
		return strconv.ParseInt(raw, 10, 64)
	case "number":
		return strconv.ParseFloat(raw, 64)
	case "boolean":
		return strconv.ParseBool(raw)
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("expected JSON %s: %w", typ, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
