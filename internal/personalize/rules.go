package personalize

import (
	"fmt"
	"strings"
)

// Rule is a single condition over the recipient's variable map.
type Rule struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"` // eq, ne, contains, exists
	Value string `json:"value" yaml:"value"`
}

// Variant is a pre-authored content alternative gated by rules. All rules
// must match for the variant to apply.
type Variant struct {
	Name    string `json:"name" yaml:"name"`
	Rules   []Rule `json:"rules" yaml:"rules"`
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// SelectVariant returns the first variant whose rules all match, or nil.
// Evaluation order is the authored order, so selection is deterministic.
func SelectVariant(variants []Variant, vars map[string]interface{}) *Variant {
	for i := range variants {
		if matchAll(variants[i].Rules, vars) {
			return &variants[i]
		}
	}
	return nil
}

func matchAll(rules []Rule, vars map[string]interface{}) bool {
	if len(rules) == 0 {
		return false
	}
	for _, r := range rules {
		if !match(r, vars) {
			return false
		}
	}
	return true
}

func match(r Rule, vars map[string]interface{}) bool {
	v, ok := vars[r.Field]
	switch r.Op {
	case "exists":
		return ok && v != nil && fmt.Sprintf("%v", v) != ""
	case "eq":
		return ok && strings.EqualFold(fmt.Sprintf("%v", v), r.Value)
	case "ne":
		return !ok || !strings.EqualFold(fmt.Sprintf("%v", v), r.Value)
	case "contains":
		return ok && strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), strings.ToLower(r.Value))
	}
	return false
}
