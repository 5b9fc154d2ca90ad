package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/invgraph/invgraph/pkg/types"
)

// LocalBackend evaluates an in-process rule set against the predicate tree
// described in each Rule's Condition.
type LocalBackend struct {
	rules []Rule
}

// NewLocalBackend creates a LocalBackend over the given rule set.
func NewLocalBackend(rules []Rule) *LocalBackend {
	return &LocalBackend{rules: rules}
}

// DefaultRules is the built-in rule set a LocalBackend runs with when a
// deployment hasn't supplied its own policy-authoring template. It encodes
// the scenarios spec.md calls out directly: denying deletion of
// production-tagged databases (§8 scenario 6) and requiring approval for
// any security-category change against production.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "no-prod-database-delete",
			Package:         "invgraph.governance",
			Severity:        types.SeverityCritical,
			Action:          types.ActionDeny,
			MessageTemplate: "deletion of production database {{targetId}} is denied by policy",
			Condition: Condition{
				Type: CondAnd,
				Children: []Condition{
					{Type: CondFieldEquals, Field: "environment", Value: string(types.EnvProduction)},
					{Type: CondFieldEquals, Field: "category", Value: "delete"},
					{Type: CondFieldMatches, Field: "resourceNames", Value: "-db-"},
				},
			},
		},
		{
			ID:              "prod-security-requires-approval",
			Package:         "invgraph.governance",
			Severity:        types.SeverityHigh,
			Action:          types.ActionRequireApproval,
			MessageTemplate: "security-category change {{action}} against production requires approval",
			Condition: Condition{
				Type: CondAnd,
				Children: []Condition{
					{Type: CondFieldEquals, Field: "environment", Value: string(types.EnvProduction)},
					{Type: CondFieldEquals, Field: "category", Value: "security"},
				},
			},
		},
	}
}

func (b *LocalBackend) Evaluate(doc Document) EvalResult {
	return timeIt(func() EvalResult {
		var violations []types.PolicyViolation
		for _, rule := range b.rules {
			if !evalCondition(rule.Condition, doc) {
				continue
			}
			violations = append(violations, types.PolicyViolation{
				RuleID:   rule.ID,
				Package:  rule.Package,
				Severity: rule.Severity,
				Action:   rule.Action,
				Message:  interpolate(rule.MessageTemplate, doc),
			})
		}
		return EvalResult{OK: len(violations) == 0, Violations: violations}
	})
}

func (b *LocalBackend) HealthCheck() bool { return true }

func evalCondition(c Condition, doc Document) bool {
	switch c.Type {
	case CondFieldEquals:
		v, _ := doc.Field(c.Field)
		return fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Value)
	case CondFieldNotEquals:
		v, _ := doc.Field(c.Field)
		return fmt.Sprintf("%v", v) != fmt.Sprintf("%v", c.Value)
	case CondFieldContains:
		v, ok := doc.Field(c.Field)
		if !ok {
			return false
		}
		return containsValue(v, c.Value)
	case CondFieldMatches:
		v, ok := doc.Field(c.Field)
		if !ok {
			return false
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", v))
	case CondFieldGT:
		v, ok := doc.Field(c.Field)
		if !ok {
			return false
		}
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case CondFieldLT:
		v, ok := doc.Field(c.Field)
		if !ok {
			return false
		}
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case CondFieldIn:
		v, ok := doc.Field(c.Field)
		if !ok {
			return false
		}
		for _, candidate := range c.Values {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", candidate) {
				return true
			}
		}
		return false
	case CondFieldNotIn:
		return !evalCondition(Condition{Type: CondFieldIn, Field: c.Field, Values: c.Values}, doc)
	case CondAnd:
		for _, child := range c.Children {
			if !evalCondition(child, doc) {
				return false
			}
		}
		return true
	case CondOr:
		for _, child := range c.Children {
			if evalCondition(child, doc) {
				return true
			}
		}
		return false
	case CondNot:
		if len(c.Children) != 1 {
			return false
		}
		return !evalCondition(c.Children[0], doc)
	default:
		return false
	}
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case []string:
		for _, v := range h {
			if v == fmt.Sprintf("%v", needle) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, v := range h {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// interpolate substitutes every "{{field}}" token in template with the
// document's value for that dotted field path, left as-is if unresolved.
// A manual scan is used rather than text/template: the substitution
// grammar is a single token shape, not worth a template engine.
func interpolate(template string, doc Document) string {
	var b strings.Builder
	for {
		start := strings.Index(template, "{{")
		if start == -1 {
			b.WriteString(template)
			break
		}
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			b.WriteString(template)
			break
		}
		end += start
		b.WriteString(template[:start])
		field := strings.TrimSpace(template[start+2 : end])
		if v, ok := doc.Field(field); ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(template[start : end+2])
		}
		template = template[end+2:]
	}
	return b.String()
}
