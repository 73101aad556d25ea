package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/codelia-core/internal/permission"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// LoadRuleSet reads an optional allow/deny ruleset file (spec §3) in YAML
// form. An empty path is not an error — it returns an empty RuleSet, which
// the permission engine evaluates as "everything requires confirmation".
func LoadRuleSet(path string) (coremodel.RuleSet, error) {
	if path == "" {
		return coremodel.RuleSet{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coremodel.RuleSet{}, fmt.Errorf("read ruleset file: %w", err)
	}
	var rules coremodel.RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return coremodel.RuleSet{}, fmt.Errorf("parse ruleset file: %w", err)
	}
	return permission.ExpandGroups(rules), nil
}
