// Package permission implements the permission engine (C1): a pure decision
// function over (tool, rawArgs, rules, sandbox) that returns allow, deny, or
// confirm, and derives remember-rules for decisions a user chooses to
// persist.
package permission

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// BashPathGuard bounds where a `cd` segment inside a bash command is allowed
// to land. RootDir is the sandbox boundary; WorkingDir is the directory the
// next segment's `cd` target is resolved relative to.
type BashPathGuard struct {
	RootDir    string
	WorkingDir string
}

var skillNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Evaluate is the permission engine's single entry point. It is
// deterministic and side-effect-free: the only filesystem-adjacent work it
// does is path string arithmetic against guard, never an actual stat.
func Evaluate(tool string, rawArgs json.RawMessage, rules coremodel.RuleSet, guard *BashPathGuard) coremodel.EvaluationResult {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		// Per propagation policy, malformed rawArgs degrades to confirm,
		// never deny, so a user can still override.
		return coremodel.EvaluationResult{
			Decision: coremodel.DecisionConfirm,
			Reason:   fmt.Sprintf("malformed arguments: %v", err),
		}
	}

	if tool == "bash" {
		return evaluateBash(args, rules, guard)
	}
	return evaluateTool(tool, args, rules)
}

func decodeArgs(rawArgs json.RawMessage) (map[string]any, error) {
	if len(rawArgs) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// evaluateTool handles every non-bash tool: deny-first, then allow, then
// confirm.
func evaluateTool(tool string, args map[string]any, rules coremodel.RuleSet) coremodel.EvaluationResult {
	for _, rule := range rules.Deny {
		if ruleMatchesTool(rule, tool, args) {
			return coremodel.EvaluationResult{
				Decision: coremodel.DecisionDeny,
				Reason:   fmt.Sprintf("blocked by deny rule (%s)", tool),
			}
		}
	}
	for _, rule := range rules.Allow {
		if ruleMatchesTool(rule, tool, args) {
			return coremodel.EvaluationResult{Decision: coremodel.DecisionAllow}
		}
	}
	return coremodel.EvaluationResult{Decision: coremodel.DecisionConfirm}
}

func ruleMatchesTool(rule coremodel.PermissionRule, tool string, args map[string]any) bool {
	if rule.Tool != tool {
		return false
	}
	if tool != "skill_load" {
		return true
	}
	if rule.SkillName == "" {
		return true
	}
	return rule.SkillName == normalizedSkillName(args)
}

// normalizedSkillName extracts and normalizes the skill name a skill_load
// invocation targets, from rawArgs.name or the leaf directory of rawArgs.path.
func normalizedSkillName(args map[string]any) string {
	if name, ok := args["name"].(string); ok && name != "" {
		return normalizeSkill(name)
	}
	if p, ok := args["path"].(string); ok && p != "" {
		return normalizeSkill(path.Base(filepath.ToSlash(p)))
	}
	return ""
}

func normalizeSkill(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if !skillNamePattern.MatchString(normalized) {
		return normalized
	}
	return normalized
}

// evaluateBash implements spec's bash decision steps 2-5.
func evaluateBash(args map[string]any, rules coremodel.RuleSet, guard *BashPathGuard) coremodel.EvaluationResult {
	raw, _ := args["command"].(string)
	command := normalizeWhitespace(raw)
	if command == "" {
		return coremodel.EvaluationResult{
			Decision: coremodel.DecisionConfirm,
			Reason:   "missing bash command",
		}
	}

	for _, rule := range rules.Deny {
		if rule.Tool != "bash" {
			continue
		}
		if rule.CommandGlob != "" && globMatch(rule.CommandGlob, command) {
			return coremodel.EvaluationResult{
				Decision: coremodel.DecisionDeny,
				Reason:   fmt.Sprintf("blocked by deny rule (%s)", command),
			}
		}
	}

	segments := splitSegments(command)
	hasCd := false
	for _, seg := range segments {
		if isCdSegment(seg) {
			hasCd = true
			break
		}
	}
	if !hasCd {
		for _, rule := range rules.Allow {
			if rule.Tool == "bash" && rule.CommandGlob != "" && globMatch(rule.CommandGlob, command) {
				return coremodel.EvaluationResult{Decision: coremodel.DecisionAllow}
			}
		}
	}

	workDir := ""
	if guard != nil {
		workDir = guard.WorkingDir
	}

	for _, seg := range segments {
		for _, rule := range rules.Deny {
			if rule.Tool == "bash" && bashRuleMatchesSegment(rule, seg) {
				return coremodel.EvaluationResult{
					Decision: coremodel.DecisionDeny,
					Reason:   fmt.Sprintf("blocked by deny rule (%s)", seg),
				}
			}
		}

		if isCdSegment(seg) {
			target := strings.TrimSpace(strings.TrimPrefix(seg, "cd"))
			if guard == nil {
				return coremodel.EvaluationResult{
					Decision: coremodel.DecisionConfirm,
					Reason:   fmt.Sprintf("segment requires confirmation (%s)", seg),
				}
			}
			if target == "" || isForbiddenCdTarget(target) {
				return coremodel.EvaluationResult{
					Decision: coremodel.DecisionConfirm,
					Reason:   fmt.Sprintf("segment requires confirmation (%s)", seg),
				}
			}
			resolved := target
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(workDir, target)
			}
			resolved = filepath.Clean(resolved)
			if !withinRoot(guard.RootDir, resolved) {
				return coremodel.EvaluationResult{
					Decision: coremodel.DecisionConfirm,
					Reason:   fmt.Sprintf("segment requires confirmation (%s)", seg),
				}
			}
			workDir = resolved
			continue
		}

		matched := false
		for _, rule := range rules.Allow {
			if rule.Tool == "bash" && bashRuleMatchesSegment(rule, seg) {
				matched = true
				break
			}
		}
		if !matched {
			return coremodel.EvaluationResult{
				Decision: coremodel.DecisionConfirm,
				Reason:   fmt.Sprintf("segment requires confirmation (%s)", seg),
			}
		}
	}

	return coremodel.EvaluationResult{Decision: coremodel.DecisionAllow}
}

func bashRuleMatchesSegment(rule coremodel.PermissionRule, segment string) bool {
	if rule.Command != "" && strings.HasPrefix(segment, rule.Command) {
		return true
	}
	if rule.CommandGlob != "" && globMatch(rule.CommandGlob, segment) {
		return true
	}
	return false
}

func isCdSegment(segment string) bool {
	return segment == "cd" || strings.HasPrefix(segment, "cd ")
}

func withinRoot(root, candidate string) bool {
	if root == "" {
		return false
	}
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// globMatch matches a shell-style glob (path.Match syntax: *, ?, [...])
// against the whole normalized string. '/' is masked on both sides first,
// so '*' and '?' also match across the path separators inside a command.
func globMatch(glob, s string) bool {
	const mask = "\x00"
	ok, err := path.Match(strings.ReplaceAll(glob, "/", mask), strings.ReplaceAll(s, "/", mask))
	if err != nil {
		return false
	}
	return ok
}
