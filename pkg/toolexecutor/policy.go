package toolexecutor

import (
	"fmt"
	"path"
)

// ToolPolicy restricts which tools may be dispatched. Entries are glob
// patterns ("state_*", "*"). Deny overrides Allow; an empty Allow list
// allows every tool not denied.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	for _, denied := range tp.Deny {
		if matchTool(denied, toolName) {
			return false
		}
	}
	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if matchTool(allowed, toolName) {
			return true
		}
	}
	return false
}

// Validate rejects malformed patterns.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}
	for _, p := range append(append([]string{}, tp.Allow...), tp.Deny...) {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid tool pattern %q: %w", p, err)
		}
	}
	return nil
}

func matchTool(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
