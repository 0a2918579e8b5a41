package toolexecutor

import "fmt"

// StringParam returns params[name] as a string, or def when absent.
func StringParam(params map[string]interface{}, name, def string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return def
}

// RequiredString returns params[name] or an error when it is missing or
// empty.
func RequiredString(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("parameter %s is required", name)
	}
	return v, nil
}

// IntParam returns a numeric parameter as int, or def when absent.
func IntParam(params map[string]interface{}, name string, def int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// BoolParam returns params[name] as a bool, or def when absent.
func BoolParam(params map[string]interface{}, name string, def bool) bool {
	if v, ok := params[name].(bool); ok {
		return v
	}
	return def
}

// StringsParam returns an array parameter as strings, skipping other values.
func StringsParam(params map[string]interface{}, name string) []string {
	switch v := params[name].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
