package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templateTokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolvePath looks up a dot-separated path inside nested maps/slices.
// Accepts an optional leading "$." or "$" prefix. Returns nil on any missing
// key, non-numeric list index, out-of-range index, or traversal through a
// non-container value; never panics.
func ResolvePath(container interface{}, path string) interface{} {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return nil
	}

	current := container
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil
		}
		switch c := current.(type) {
		case map[string]interface{}:
			v, ok := c[segment]
			if !ok {
				return nil
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			current = c[idx]
		default:
			return nil
		}
	}
	return current
}

// RenderTemplate replaces {{ path.to.value }} tokens with values resolved
// from the context. Maps and lists render as compact JSON; unresolved paths
// render as empty string. Only path lookups, no expression evaluation.
func RenderTemplate(template string, context map[string]interface{}) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return templateTokenRe.ReplaceAllStringFunc(template, func(token string) string {
		m := templateTokenRe.FindStringSubmatch(token)
		if len(m) != 2 {
			return ""
		}
		return stringifyValue(ResolvePath(context, m[1]))
	})
}

// stringifyValue renders a resolved context value for interpolation.
func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		// JSON numbers decode as float64; render integral values without ".0".
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
