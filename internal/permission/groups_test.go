package permission

import (
	"testing"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

func TestExpandGroupsExpandsKnownGroupIntoMemberRules(t *testing.T) {
	rules := coremodel.RuleSet{
		Allow: []coremodel.PermissionRule{{Tool: "group:fs"}},
	}
	expanded := ExpandGroups(rules)

	want := map[string]bool{"read": false, "write": false, "edit": false}
	if len(expanded.Allow) != len(want) {
		t.Fatalf("Allow = %+v, want %d rules", expanded.Allow, len(want))
	}
	for _, rule := range expanded.Allow {
		if _, ok := want[rule.Tool]; !ok {
			t.Fatalf("unexpected expanded tool %q", rule.Tool)
		}
		want[rule.Tool] = true
	}
	for tool, seen := range want {
		if !seen {
			t.Fatalf("expected group:fs to expand to include %q", tool)
		}
	}
}

func TestExpandGroupsNormalizesNonGroupRuleAliases(t *testing.T) {
	rules := coremodel.RuleSet{Deny: []coremodel.PermissionRule{{Tool: "Shell", CommandGlob: "rm *"}}}
	expanded := ExpandGroups(rules)

	if len(expanded.Deny) != 1 || expanded.Deny[0].Tool != "bash" {
		t.Fatalf("Deny = %+v, want a single bash rule", expanded.Deny)
	}
	if expanded.Deny[0].CommandGlob != "rm *" {
		t.Fatalf("expected CommandGlob to be preserved through expansion")
	}
}

func TestExpandGroupsDropsUnknownGroupSilently(t *testing.T) {
	rules := coremodel.RuleSet{Allow: []coremodel.PermissionRule{{Tool: "group:nonexistent"}}}
	expanded := ExpandGroups(rules)

	if len(expanded.Allow) != 0 {
		t.Fatalf("Allow = %+v, want unknown group dropped", expanded.Allow)
	}
}
