package sandbox

import (
	"fmt"
	"regexp"
)

// DenyRule is a named pattern for an operation that is never executed.
type DenyRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// String names the rule together with its expression so that a blocked
// result tells the caller exactly what matched.
func (r DenyRule) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Pattern.String())
}

// blockDevice matches the common raw disk device names.
const blockDevice = `/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)[a-z0-9]*`

// pathEnd terminates a path argument: whitespace, end of input, a shell
// separator, or a closing quote/paren when the command is embedded in code.
const pathEnd = `(?:\s|$|[;&|"'\x60)])`

// DefaultDenylist holds the rules applied to every command and code
// submission. It is narrow on purpose: only operations that destroy the
// machine itself are refused.
var DefaultDenylist = []DenyRule{
	{
		Name:    "recursive-root-delete",
		Pattern: regexp.MustCompile(`(?i)\brm\s+(?:-{1,2}[\w-]+\s+)*?(?:-[a-z]*r[a-z]*|--recursive)(?:\s+-{1,2}[\w-]+)*\s+["']?/\*?["']?` + pathEnd),
	},
	{
		Name:    "raw-disk-write",
		Pattern: regexp.MustCompile(`(?i)\bdd\b[^\n]*\bof=` + blockDevice),
	},
	{
		Name:    "block-device-redirect",
		Pattern: regexp.MustCompile(`>\s*` + blockDevice),
	},
	{
		Name:    "filesystem-format",
		Pattern: regexp.MustCompile(`(?i)\bmkfs(?:\.\w+)?\b[^\n]*/dev/`),
	},
	{
		Name:    "windows-format",
		Pattern: regexp.MustCompile(`(?i)\bformat\s+[a-z]:`),
	},
	{
		Name:    "partition-table-edit",
		Pattern: regexp.MustCompile(`\b(?:fdisk|sfdisk|cfdisk|gdisk)\s+/dev/\w+`),
	},
	{
		Name:    "partition-table-edit",
		Pattern: regexp.MustCompile(`\bparted\b[^\n]*/dev/\w+[^\n]*\b(?:mklabel|mkpart|rm)\b`),
	},
	{
		Name:    "partition-table-wipe",
		Pattern: regexp.MustCompile(`\bsgdisk\b[^\n]*(?:--zap-all|-Z\b)`),
	},
	{
		Name:    "signature-wipe",
		Pattern: regexp.MustCompile(`\bwipefs\b[^\n]*(?:\s-a\b|--all\b)`),
	},
	{
		Name:    "fork-bomb",
		Pattern: regexp.MustCompile(`:\(\)\s*\{[^}]*:\s*\|\s*:`),
	},
	{
		Name:    "fork-bomb",
		Pattern: regexp.MustCompile(`\b\w+\(\)\s*\{\s*\w+\s*\|\s*\w+\s*&\s*\}`),
	},
}

// Match returns the first rule in rules that matches text.
func Match(rules []DenyRule, text string) (DenyRule, bool) {
	for _, rule := range rules {
		if rule.Pattern.MatchString(text) {
			return rule, true
		}
	}
	return DenyRule{}, false
}
