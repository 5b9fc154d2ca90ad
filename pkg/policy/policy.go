// Package policy evaluates a change-request document against a policy set
// and returns violations, behind one Evaluator interface with three
// interchangeable backends: Remote (delegates to an external HTTP policy
// service), Local (evaluates a rule set in-process against a predicate
// tree), and Mock (a test double with registered predicate→result pairs).
package policy

import (
	"time"

	"github.com/invgraph/invgraph/pkg/types"
)

// Document is the dotted-path-addressable view of a change request being
// evaluated. Field paths like "environment" or "parameters.instanceType"
// are resolved against it.
type Document map[string]interface{}

// NewDocument builds a Document from a change request.
func NewDocument(cr *types.ChangeRequest) Document {
	doc := Document{
		"id":            cr.ID,
		"initiator":     cr.Initiator,
		"initiatorType": string(cr.InitiatorType),
		"targetId":      cr.TargetID,
		"action":        cr.Action,
		"category":      cr.Category,
		"dangerous":     cr.Dangerous,
		"environment":   string(cr.Environment),
		"resourceIds":   cr.ResourceIDs,
		"resourceNames": cr.ResourceNames,
	}
	for k, v := range cr.Parameters {
		doc["parameters."+k] = v
	}
	return doc
}

// Field resolves a dotted path against the document. A "parameters.x" path
// resolves directly since NewDocument flattens parameters; any other dotted
// path is looked up as a literal key first, falling back to nil.
func (d Document) Field(path string) (interface{}, bool) {
	if v, ok := d[path]; ok {
		return v, true
	}
	return nil, false
}

// EvalResult is what Evaluate returns. It never carries a Go error for
// backend failures — those are represented in Error/Ok so callers always
// get a result, matching the "never throws" evaluate() contract.
type EvalResult struct {
	OK         bool
	Violations []types.PolicyViolation
	DurationMs int64
	Error      string
}

// Evaluator is implemented by every policy backend.
type Evaluator interface {
	Evaluate(doc Document) EvalResult
	HealthCheck() bool
}

// ConditionType names a predicate kind in a Local rule's condition tree.
type ConditionType string

const (
	CondFieldEquals    ConditionType = "field_equals"
	CondFieldNotEquals ConditionType = "field_not_equals"
	CondFieldContains  ConditionType = "field_contains"
	CondFieldMatches   ConditionType = "field_matches"
	CondFieldGT        ConditionType = "field_gt"
	CondFieldLT        ConditionType = "field_lt"
	CondFieldIn        ConditionType = "field_in"
	CondFieldNotIn     ConditionType = "field_not_in"
	CondAnd            ConditionType = "and"
	CondOr             ConditionType = "or"
	CondNot            ConditionType = "not"
)

// Condition is one node in a rule's predicate tree.
type Condition struct {
	Type     ConditionType
	Field    string        // used by field_* predicates
	Value    interface{}   // used by field_equals/not_equals/contains/matches/gt/lt
	Values   []interface{} // used by field_in/field_not_in
	Children []Condition   // used by and/or/not
}

// Rule is one Local-backend policy rule.
type Rule struct {
	ID              string
	Package         string
	Severity        types.PolicySeverity
	Action          types.PolicyAction
	MessageTemplate string
	Condition       Condition
}

func timeIt(f func() EvalResult) EvalResult {
	start := time.Now()
	res := f()
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}
