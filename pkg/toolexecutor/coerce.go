package toolexecutor

import (
	"strconv"
	"strings"
)

// coerceParameters returns a copy of params in which string values for
// number, integer and boolean parameters are converted when they parse
// cleanly. Models often quote scalars; anything that does not parse is
// left for the schema to reject.
func coerceParameters(defs []ToolParameter, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, def := range defs {
		raw, ok := out[def.Name].(string)
		if !ok {
			continue
		}
		s := strings.TrimSpace(raw)
		switch def.Type {
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[def.Name] = f
			}
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				out[def.Name] = float64(n)
			}
		case "boolean":
			switch strings.ToLower(s) {
			case "true":
				out[def.Name] = true
			case "false":
				out[def.Name] = false
			}
		}
	}
	return out
}
