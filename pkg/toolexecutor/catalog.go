package toolexecutor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

var categoryOrder = []ToolCategory{CategoryShell, CategoryFiles, CategoryState, CategoryGeneral}

// Definitions returns the allowed tool definitions sorted by name.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(te.tools))
	for name, def := range te.tools {
		if te.policy.IsToolAllowed(name) {
			defs = append(defs, *def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Catalog renders the allowed tools for the system prompt, grouped by
// category.
func (te *ToolExecutor) Catalog() string {
	defs := te.Definitions()
	if len(defs) == 0 {
		return "No tools are available."
	}

	byCategory := make(map[ToolCategory][]ToolDefinition)
	for _, def := range defs {
		byCategory[def.Category] = append(byCategory[def.Category], def)
	}

	var b strings.Builder
	for _, cat := range categoryOrder {
		group := byCategory[cat]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", cat)
		for _, def := range group {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
			for _, p := range def.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "    - %s (%s, %s): %s", p.Name, p.Type, req, p.Description)
				if len(p.Enum) > 0 {
					fmt.Fprintf(&b, " One of: %s.", strings.Join(p.Enum, ", "))
				}
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// MaxResultChars caps the rendered tool result placed in history.
const MaxResultChars = 16 * 1024

// FormatResult renders a handler result as text for the conversation
// history: strings pass through, everything else is JSON. Oversized
// results are cut with a marker.
func FormatResult(v interface{}) string {
	var text string
	switch val := v.(type) {
	case nil:
		text = "null"
	case string:
		text = val
	case []byte:
		text = string(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			text = fmt.Sprintf("%v", val)
		} else {
			text = string(data)
		}
	}

	if len(text) <= MaxResultChars {
		return text
	}
	cut := MaxResultChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + fmt.Sprintf("\n... [output truncated, %d bytes total]", len(text))
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
