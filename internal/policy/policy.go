// Package policy decides whether a tool invocation is allowed to run,
// must be denied, or needs explicit user approval.
package policy

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/store"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
)

// Permission modes, coarsest policy layer.
const (
	ModeSafe         = "safe"
	ModeFast         = "fast"
	ModePlan         = "plan"
	ModeUnrestricted = "unrestricted"
)

// Terminal command policies, applied to shell-like tools before the mode.
const (
	TerminalOff    = "off"
	TerminalAuto   = "auto"
	TerminalTurbo  = "turbo"
	TerminalCustom = "custom"
)

// Decision is the full evaluation result for one invocation.
type Decision struct {
	Verdict Verdict
	// Source records which layer produced the verdict: "rule", "terminal"
	// or "mode".
	Source string
	// RuleID is set when Source is "rule".
	RuleID string
	// Description is a short human-readable summary of the invocation,
	// suitable for an approval prompt.
	Description string
}

var shellTools = map[string]bool{
	"Bash":       true,
	"BashOutput": true,
	"Shell":      true,
}

var writerTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

var safeTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"LS":        true,
	"WebFetch":  true,
	"WebSearch": true,
	"TodoRead":  true,
}

var fetchTools = map[string]bool{
	"WebFetch":  true,
	"WebSearch": true,
}

// Evaluate decides the verdict for one tool invocation. It is a pure
// function of its inputs: identical arguments always yield the same
// decision. Rules must already be ordered global, workspace, session.
func Evaluate(rules []*store.PermissionRule, mode, terminalPolicy, toolName string, input map[string]any) Decision {
	extracted := ExtractInput(toolName, input)
	decision := Decision{Description: Describe(toolName, input)}

	if rule := bestMatchingRule(rules, toolName, extracted); rule != nil {
		decision.Verdict = Verdict(rule.Verdict)
		decision.Source = "rule"
		decision.RuleID = rule.ID
		return decision
	}

	if shellTools[toolName] {
		switch terminalPolicy {
		case TerminalOff:
			decision.Verdict = VerdictDeny
			decision.Source = "terminal"
			return decision
		case TerminalTurbo:
			decision.Verdict = VerdictAllow
			decision.Source = "terminal"
			return decision
		}
		// auto and custom defer to the permission mode
	}

	decision.Source = "mode"
	decision.Verdict = modeVerdict(mode, toolName)
	return decision
}

func modeVerdict(mode, toolName string) Verdict {
	writes := shellTools[toolName] || writerTools[toolName]

	switch mode {
	case ModeUnrestricted:
		return VerdictAllow
	case ModePlan:
		if writes {
			return VerdictDeny
		}
		return VerdictAllow
	case ModeFast:
		if safeTools[toolName] {
			return VerdictAllow
		}
		return VerdictAsk
	default: // safe
		if writes {
			return VerdictAsk
		}
		return VerdictAllow
	}
}

// bestMatchingRule returns the winning rule among all that match, or nil.
// deny outranks ask outranks allow, and within a tier a rule with a
// concrete input pattern outranks one without.
func bestMatchingRule(rules []*store.PermissionRule, toolName, input string) *store.PermissionRule {
	var best *store.PermissionRule
	for _, rule := range rules {
		if !matchGlob(rule.ToolSelector, toolName) {
			continue
		}
		if rule.InputPattern != "" && !matchGlob(rule.InputPattern, input) {
			continue
		}
		if best == nil || outranks(rule, best) {
			best = rule
		}
	}
	return best
}

func outranks(a, b *store.PermissionRule) bool {
	ta, tb := verdictTier(a.Verdict), verdictTier(b.Verdict)
	if ta != tb {
		return ta < tb
	}
	return a.InputPattern != "" && b.InputPattern == ""
}

func verdictTier(verdict string) int {
	switch Verdict(verdict) {
	case VerdictDeny:
		return 0
	case VerdictAsk:
		return 1
	default:
		return 2
	}
}

// matchGlob reports whether s matches pattern. The only metacharacter is
// '*', which matches any run of characters. Matching is anchored at both
// ends.
func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}

	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(s, last) {
		return false
	}
	s = s[:len(s)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return true
}

// ExtractInput pulls the representative input string out of a tool
// invocation: the command for shell tools, the file path for writers,
// the URL for fetchers.
func ExtractInput(toolName string, input map[string]any) string {
	if input == nil {
		return ""
	}
	switch {
	case shellTools[toolName]:
		return stringField(input, "command")
	case writerTools[toolName]:
		if p := stringField(input, "file_path"); p != "" {
			return p
		}
		return stringField(input, "notebook_path")
	case fetchTools[toolName]:
		if u := stringField(input, "url"); u != "" {
			return u
		}
		return stringField(input, "query")
	default:
		for _, key := range []string{"command", "file_path", "path", "url", "pattern", "query"} {
			if v := stringField(input, key); v != "" {
				return v
			}
		}
		return ""
	}
}

// Describe builds a short human-readable summary for approval prompts.
func Describe(toolName string, input map[string]any) string {
	target := ExtractInput(toolName, input)
	if target == "" {
		return toolName
	}
	switch {
	case shellTools[toolName]:
		return fmt.Sprintf("Run `%s`", target)
	case toolName == "Write":
		return fmt.Sprintf("Write to %s", target)
	case writerTools[toolName]:
		return fmt.Sprintf("Edit %s", target)
	case fetchTools[toolName]:
		return fmt.Sprintf("Fetch %s", target)
	case toolName == "Read":
		return fmt.Sprintf("Read %s", target)
	default:
		return fmt.Sprintf("%s %s", toolName, target)
	}
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
