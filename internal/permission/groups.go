package permission

import (
	"strings"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// DefaultToolGroups names convenience bundles a ruleset's allow/deny list
// can reference with a "group:" tool prefix instead of spelling out every
// member tool. Expanded by ExpandGroups before the engine ever sees a rule.
var DefaultToolGroups = map[string][]string{
	"group:fs":      {"read", "write", "edit"},
	"group:web":     {"websearch", "webfetch"},
	"group:runtime": {"bash", "sandbox"},
	"group:memory":  {"memory_search"},
}

// toolAliases maps alternative spellings to the canonical tool name a rule
// matches against.
var toolAliases = map[string]string{
	"shell":       "bash",
	"apply-patch": "edit",
	"apply_patch": "edit",
}

// NormalizeTool lowercases and resolves a tool name to its canonical form.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := toolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// ExpandGroups rewrites any rule whose Tool names a "group:" bundle into
// one rule per member tool, so Evaluate's per-tool matching never needs to
// know groups exist. Rules that don't name a group pass through unchanged,
// with their Tool normalized via NormalizeTool. Unknown group names are
// dropped silently rather than matching nothing forever — a typo'd group
// degrades to "no rule", which for a deny rule is the safer failure
// direction and for an allow rule just means more tools fall through to
// confirm.
func ExpandGroups(rules coremodel.RuleSet) coremodel.RuleSet {
	return coremodel.RuleSet{
		Allow: expandList(rules.Allow),
		Deny:  expandList(rules.Deny),
	}
}

func expandList(rules []coremodel.PermissionRule) []coremodel.PermissionRule {
	expanded := make([]coremodel.PermissionRule, 0, len(rules))
	for _, rule := range rules {
		key := strings.ToLower(strings.TrimSpace(rule.Tool))
		members, isGroup := DefaultToolGroups[key]
		if !isGroup && strings.HasPrefix(key, "group:") {
			continue
		}
		if !isGroup {
			rule.Tool = NormalizeTool(rule.Tool)
			expanded = append(expanded, rule)
			continue
		}
		for _, tool := range members {
			member := rule
			member.Tool = tool
			expanded = append(expanded, member)
		}
	}
	return expanded
}
