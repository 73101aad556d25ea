package permission

import (
	"regexp"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

var wrapperTokens = map[string]bool{
	"env": true, "command": true, "builtin": true, "nohup": true,
	"time": true, "sudo": true, "nice": true, "ionice": true,
	"chrt": true, "timeout": true, "stdbuf": true,
}

// twoTokenPrimaries are commands whose subcommand is worth remembering as
// part of the rule, e.g. "git status" rather than just "git".
var twoTokenPrimaries = map[string]bool{
	"git": true, "jj": true, "bun": true, "bunx": true, "npx": true,
	"npm": true, "pnpm": true, "yarn": true, "cargo": true, "go": true,
	"docker": true, "kubectl": true, "gh": true,
}

// subExecTable lists, per primary, which second tokens launch an arbitrary
// sub-command that itself deserves a third remembered token.
var subExecTable = map[string]map[string]bool{
	"npx":  nil, // any second token
	"bunx": nil, // any second token
	"bun":  {"x": true},
	"npm":  {"exec": true},
	"pnpm": {"dlx": true, "exec": true},
	"yarn": {"dlx": true},
}

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
var secondTokenPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)

// RememberBashSegment derives the remember-rule for one non-cd bash segment
// per spec's remember-rule synthesis table.
func RememberBashSegment(segment string) coremodel.PermissionRule {
	tokens := tokenize(segment)

	i := 0
	for i < len(tokens) && envAssignment.MatchString(tokens[i]) {
		i++
	}
	for i < len(tokens) && wrapperTokens[tokens[i]] {
		i++
	}
	if i >= len(tokens) {
		return coremodel.PermissionRule{Tool: "bash", Command: segment}
	}

	primary := tokens[i]
	remembered := []string{primary}

	if twoTokenPrimaries[primary] && i+1 < len(tokens) && secondTokenPattern.MatchString(tokens[i+1]) {
		second := tokens[i+1]
		remembered = append(remembered, second)

		if subMap, isSubExecPrimary := subExecTable[primary]; isSubExecPrimary && subExecAllows(subMap, second) {
			if i+2 < len(tokens) {
				remembered = append(remembered, tokens[i+2])
			}
		}
	}

	return coremodel.PermissionRule{Tool: "bash", Command: joinTokens(remembered)}
}

// subExecAllows reports whether second launches a sub-command per primary's
// entry in subExecTable. A nil subMap (npx, bunx) means any second token does.
func subExecAllows(subMap map[string]bool, second string) bool {
	if subMap == nil {
		return true
	}
	return subMap[second]
}

func joinTokens(tokens []string) string {
	out := tokens[0]
	for _, t := range tokens[1:] {
		out += " " + t
	}
	return out
}

// RememberTool derives the remember-rule for a non-bash tool invocation.
func RememberTool(tool string, args map[string]any) coremodel.PermissionRule {
	if tool == "skill_load" {
		return coremodel.PermissionRule{Tool: tool, SkillName: normalizedSkillName(args)}
	}
	return coremodel.PermissionRule{Tool: tool}
}

// DedupeRules removes duplicate rules, preserving first-seen order.
func DedupeRules(rules []coremodel.PermissionRule) []coremodel.PermissionRule {
	seen := make(map[coremodel.PermissionRule]bool, len(rules))
	out := make([]coremodel.PermissionRule, 0, len(rules))
	for _, r := range rules {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
