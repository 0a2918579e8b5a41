package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxCommandLength is the longest command accepted.
const DefaultMaxCommandLength = 1000

// deniedSubstrings are rejected wherever they appear in a command.
var deniedSubstrings = []string{
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"mkfs",
	"mke2fs",
	"wipefs",
	"fdisk",
	"parted",
	"--no-preserve-root",
}

// deniedPatterns cover destructive forms that need structure to match:
// recursive removal of the root or home, raw device writes, kill-all
// signals and the fork bomb.
var deniedPatterns = []string{
	`\brm\s+((-{1,2}[a-z-]+)\s+)*(-[a-z]*r[a-z]*|--recursive)\s+((-{1,2}[a-z-]+)\s+)*(/|/\*|~|~/|\$home)(\s|$|;|&|\|)`,
	`\bdd\s+.*of=/dev/(sd|hd|nvme|xvd|vd|disk|mmcblk)`,
	`\bdd\s+if=/dev/(zero|random|urandom)`,
	`>\s*/dev/(sd|hd|nvme|xvd|vd|disk|mmcblk)`,
	`\bshred\s+.*/dev/`,
	`\bformat\s+[a-z]:`,
	`\binit\s+[06]\b`,
	`\bkill\s+-(9|kill|sigkill)\s+-1\b`,
	`\bkillall\s+(-[a-z0-9]+\s+)*-(9|kill)\b`,
	`\bpkill\s+(-[a-z0-9]+\s+)*-(9|kill)\b`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`\bchmod\s+(-[a-z]+\s+)*[0-7]*777\s+/(\s|$)`,
	`\bchown\s+-r\s+\S+\s+/(\s|$)`,
	`\bmv\s+/\s`,
}

// Policy decides whether a command may be spawned at all.
type Policy struct {
	maxLength  int
	substrings []string
	patterns   []*regexp.Regexp
}

// NewPolicy builds the default denylist plus extra literal substrings.
// Matching is case-insensitive.
func NewPolicy(maxLength int, extra []string) (*Policy, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxCommandLength
	}
	p := &Policy{maxLength: maxLength}
	p.substrings = append(p.substrings, deniedSubstrings...)
	for _, lit := range extra {
		lit = strings.ToLower(strings.Join(strings.Fields(lit), " "))
		if lit == "" {
			continue
		}
		p.substrings = append(p.substrings, lit)
	}
	for _, expr := range deniedPatterns {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Check runs the pre-flight checks. It never has side effects.
func (p *Policy) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return ErrEmptyCommand
	}
	if n := len([]rune(command)); n > p.maxLength {
		return fmt.Errorf("%w: %d > %d characters", ErrCommandTooLong, n, p.maxLength)
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(command), " "))
	for _, sub := range p.substrings {
		if strings.Contains(normalized, sub) {
			return fmt.Errorf("%w: contains %q", ErrDangerousCommand, sub)
		}
	}
	for _, re := range p.patterns {
		if m := re.FindString(normalized); m != "" {
			return fmt.Errorf("%w: matched %q", ErrDangerousCommand, strings.TrimSpace(m))
		}
	}
	return nil
}
