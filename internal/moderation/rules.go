package moderation

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Applies selects which turn roles a rule is evaluated against.
type Applies string

const (
	AppliesUser      Applies = "user"
	AppliesAssistant Applies = "assistant"
	AppliesBoth      Applies = "both"
)

// Rule is a single forbidden pattern. Rules are compiled once and never
// mutated afterwards, so a rule set is safe to share between goroutines.
type Rule struct {
	Category  string  `yaml:"category"`
	Pattern   string  `yaml:"pattern"`
	Severity  string  `yaml:"severity"`
	AppliesTo Applies `yaml:"applies_to"`

	re *regexp.Regexp
}

// DefaultRules are the built-in forbidden patterns, evaluated in order.
var DefaultRules = []Rule{
	{Category: "weapons", Severity: "critical", AppliesTo: AppliesBoth,
		Pattern: `\b(?:how\s+to|instructions\s+for)\s+(?:make|create|build)\s+(?:a\s+)?(?:bomb|explosive|weapon)`},
	{Category: "account compromise", Severity: "high", AppliesTo: AppliesBoth,
		Pattern: `\b(?:hack|steal|access)\s+(?:an?\s+|someone'?s\s+)?(?:account|password|data|information)`},
	{Category: "minors", Severity: "critical", AppliesTo: AppliesBoth,
		Pattern: `\b(?:child|minor)\s+(?:porn|pornography|explicit)`},
	{Category: "drugs", Severity: "high", AppliesTo: AppliesBoth,
		Pattern: `\b(?:buy|purchase|obtain)\s+(?:illegal\s+drugs|cocaine|heroin|meth)`},
	{Category: "violent attack", Severity: "critical", AppliesTo: AppliesBoth,
		Pattern: `\b(?:plan|execute)\s+(?:an?\s+)?(?:attack|terrorism|violent)`},
}

// Matches reports whether the compiled rule matches text.
func (r *Rule) Matches(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

func (r *Rule) appliesTo(role Role) bool {
	switch r.AppliesTo {
	case AppliesUser:
		return role == RoleUser
	case AppliesAssistant:
		return role == RoleAssistant
	default:
		return true
	}
}

// CompileRules validates and compiles rules. Patterns are matched
// case-insensitively. The input slice is not modified.
func CompileRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	var errs []error
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("moderation: rule %d (%s): empty pattern", i+1, r.Category))
			continue
		}
		if r.Category == "" {
			r.Category = "uncategorized"
		}
		switch r.AppliesTo {
		case "":
			r.AppliesTo = AppliesBoth
		case AppliesUser, AppliesAssistant, AppliesBoth:
		default:
			errs = append(errs, fmt.Errorf("moderation: rule %d (%s): unknown applies_to %q", i+1, r.Category, r.AppliesTo))
			continue
		}
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("moderation: rule %d (%s): %w", i+1, r.Category, err))
			continue
		}
		r.re = re
		out = append(out, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRuleFile reads additional rules from a YAML document of the form
//
//	rules:
//	  - category: phishing
//	    pattern: '\bsend\s+me\s+your\s+pin\b'
//	    severity: high
//	    applies_to: user
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: read rule file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("moderation: parse rule file %s: %w", path, err)
	}
	return CompileRules(f.Rules)
}
