// Package governance drives a change request through its approval
// lifecycle: risk assessment, policy evaluation, approval gating, and
// execution, recording every transition in an append-only audit trail.
package governance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invgraph/invgraph/pkg/events"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/policy"
	"github.com/invgraph/invgraph/pkg/risk"
	"github.com/invgraph/invgraph/pkg/types"
)

var bucketChangeRequests = []byte("change_requests")

// redactedPattern matches parameter keys whose values must never appear in
// the audit trail or logs verbatim.
var redactedPattern = regexp.MustCompile(`(?i)(password|secret|token|key|credential)`)

const redactedPlaceholder = "[REDACTED]"

// Config controls a Manager's risk, policy, and approval-chain behavior.
type Config struct {
	RiskConfig        risk.Config
	ApprovalTemplates []ApprovalTemplate
}

func DefaultConfig() Config {
	return Config{RiskConfig: risk.DefaultConfig(), ApprovalTemplates: DefaultApprovalTemplates()}
}

// ApprovalStepTemplate describes one stage of a template approval chain.
type ApprovalStepTemplate struct {
	Name              string
	RequiredApprovers int
	Timeout           time.Duration
}

// ApprovalTemplate maps an (environment, minimum risk level) pair to the
// approval chain a matching change request must satisfy. Templates are
// matched by environment, then by the highest MinLevel at or below the
// request's risk level (spec.md §4.8's "template table keyed on
// (environment, min-risk-level)").
type ApprovalTemplate struct {
	Environment types.Environment
	MinLevel    types.RiskLevel
	Mode        types.ApprovalChainMode
	Steps       []ApprovalStepTemplate
}

// DefaultApprovalTemplates is the built-in template table. Deployments with
// different approval policies supply their own via Config.ApprovalTemplates.
func DefaultApprovalTemplates() []ApprovalTemplate {
	return []ApprovalTemplate{
		{
			Environment: types.EnvProduction, MinLevel: types.RiskCritical, Mode: types.ApprovalModeSequential,
			Steps: []ApprovalStepTemplate{
				{Name: "security-review", RequiredApprovers: 1, Timeout: 2 * time.Hour},
				{Name: "vp-engineering", RequiredApprovers: 1, Timeout: 4 * time.Hour},
			},
		},
		{
			Environment: types.EnvProduction, MinLevel: types.RiskHigh, Mode: types.ApprovalModeParallel,
			Steps: []ApprovalStepTemplate{
				{Name: "on-call-lead", RequiredApprovers: 2, Timeout: 2 * time.Hour},
			},
		},
		{
			Environment: types.EnvProduction, MinLevel: types.RiskMedium, Mode: types.ApprovalModeSequential,
			Steps: []ApprovalStepTemplate{
				{Name: "team-lead", RequiredApprovers: 1, Timeout: 4 * time.Hour},
			},
		},
		{
			Environment: types.EnvDisasterRecovery, MinLevel: types.RiskHigh, Mode: types.ApprovalModeSequential,
			Steps: []ApprovalStepTemplate{
				{Name: "incident-commander", RequiredApprovers: 1, Timeout: time.Hour},
			},
		},
		{
			Environment: types.EnvStaging, MinLevel: types.RiskHigh, Mode: types.ApprovalModeSequential,
			Steps: []ApprovalStepTemplate{
				{Name: "team-lead", RequiredApprovers: 1, Timeout: 4 * time.Hour},
			},
		},
	}
}

var riskLevelRank = map[types.RiskLevel]int{
	types.RiskMinimal:  0,
	types.RiskLow:      1,
	types.RiskMedium:   2,
	types.RiskHigh:     3,
	types.RiskCritical: 4,
}

// selectTemplate picks, among templates scoped to env, the one with the
// highest MinLevel at or below level. Returns nil if no template in the
// table matches env at all.
func selectTemplate(templates []ApprovalTemplate, env types.Environment, level types.RiskLevel) *ApprovalTemplate {
	var best *ApprovalTemplate
	for i := range templates {
		t := &templates[i]
		if t.Environment != env {
			continue
		}
		if riskLevelRank[t.MinLevel] > riskLevelRank[level] {
			continue
		}
		if best == nil || riskLevelRank[t.MinLevel] > riskLevelRank[best.MinLevel] {
			best = t
		}
	}
	return best
}

// buildChain materializes an ApprovalChain from a template, or a single
// generic one-approver step if no template matches (env, level) — needed
// because spec.md's approval requirement (risk.requiresApproval) and the
// template table are independently configurable and may disagree.
func buildChain(templates []ApprovalTemplate, env types.Environment, level types.RiskLevel) *types.ApprovalChain {
	t := selectTemplate(templates, env, level)
	if t == nil {
		return &types.ApprovalChain{
			Mode:  types.ApprovalModeSequential,
			Steps: []types.ApprovalStep{{Name: "approver", RequiredApprovers: 1}},
		}
	}
	steps := make([]types.ApprovalStep, len(t.Steps))
	for i, st := range t.Steps {
		steps[i] = types.ApprovalStep{Name: st.Name, RequiredApprovers: st.RequiredApprovers, Timeout: st.Timeout}
	}
	return &types.ApprovalChain{Mode: t.Mode, Steps: steps}
}

// Manager drives change requests through the governance state machine. One
// request is processed at a time per ID, guarded by a per-ID mutex so
// concurrent transition attempts on the same request serialize rather than
// race; requests for different IDs proceed independently.
type Manager struct {
	db        *bbolt.DB
	evaluator policy.Evaluator
	broker    *events.Broker
	cfg       Config
	log       zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if absent) the bbolt file at path and returns a
// Manager backed by it.
func Open(path string, evaluator policy.Evaluator, broker *events.Broker, cfg Config) (*Manager, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open governance db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChangeRequests)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create governance bucket: %w", err)
	}
	return &Manager{
		db:        db,
		evaluator: evaluator,
		broker:    broker,
		cfg:       cfg,
		log:       log.WithComponent("governance"),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) get(tx *bbolt.Tx, id string) (*types.ChangeRequest, error) {
	raw := tx.Bucket(bucketChangeRequests).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("change request %s: %w", id, errNotFound)
	}
	var cr types.ChangeRequest
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode change request %s: %w", id, err)
	}
	return &cr, nil
}

func (m *Manager) put(tx *bbolt.Tx, cr *types.ChangeRequest) error {
	raw, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("encode change request %s: %w", cr.ID, err)
	}
	return tx.Bucket(bucketChangeRequests).Put([]byte(cr.ID), raw)
}

var errNotFound = fmt.Errorf("not found")

// Get loads a change request by id.
func (m *Manager) Get(id string) (*types.ChangeRequest, error) {
	var cr *types.ChangeRequest
	err := m.db.View(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		return err
	})
	return cr, err
}

// List returns every change request, unfiltered and in no particular order.
func (m *Manager) List() ([]*types.ChangeRequest, error) {
	var out []*types.ChangeRequest
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChangeRequests).ForEach(func(_, raw []byte) error {
			var cr types.ChangeRequest
			if err := json.Unmarshal(raw, &cr); err != nil {
				return err
			}
			out = append(out, &cr)
			return nil
		})
	})
	return out, err
}

// Submit creates a new change request in StatePending.
func (m *Manager) Submit(in risk.Input, initiator string, initiatorType types.Initiator, targetID, action string) (*types.ChangeRequest, error) {
	now := time.Now().UTC()
	cr := &types.ChangeRequest{
		ID:            uuid.NewString(),
		Initiator:     initiator,
		InitiatorType: initiatorType,
		TargetID:      targetID,
		Action:        action,
		Category:      in.Category,
		Dangerous:     in.Dangerous,
		Environment:   in.Environment,
		Parameters:    RedactParameters(in.Parameters),
		ResourceIDs:   in.ResourceIDs,
		ResourceNames: in.ResourceNames,
		State:         types.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cr.Audit = append(cr.Audit, types.AuditEntry{
		Timestamp: now,
		Actor:     initiator,
		FromState: "",
		ToState:   types.StatePending,
		Reason:    "submitted",
	})

	if err := m.db.Update(func(tx *bbolt.Tx) error {
		return m.put(tx, cr)
	}); err != nil {
		return nil, fmt.Errorf("submit change request: %w", err)
	}

	m.log.Info().Str("change_request", cr.ID).Str("target", targetID).Msg("change request submitted")
	m.publish(cr, "")
	return cr, nil
}

// AssessRisk scores the request and advances it to StateRiskAssessed.
func (m *Manager) AssessRisk(id string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State != types.StatePending {
			return fmt.Errorf("change request %s: cannot assess risk from state %s", id, cr.State)
		}
		cr.Risk = risk.Score(risk.Input{
			Category:      cr.Category,
			Dangerous:     cr.Dangerous,
			Environment:   cr.Environment,
			Parameters:    cr.Parameters,
			ResourceIDs:   cr.ResourceIDs,
			ResourceNames: cr.ResourceNames,
		}, m.cfg.RiskConfig)
		metrics.RiskScore.Observe(cr.Risk.OverallScore)
		return m.transition(tx, cr, types.StateRiskAssessed, "system", fmt.Sprintf("risk score %.0f (%s)", cr.Risk.OverallScore, cr.Risk.Level))
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// EvaluatePolicy runs the configured policy.Evaluator against the request
// and advances it to StatePolicyEvaluated, or to StateRejected if the
// evaluator returned a deny action.
func (m *Manager) EvaluatePolicy(id string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State != types.StateRiskAssessed {
			return fmt.Errorf("change request %s: cannot evaluate policy from state %s", id, cr.State)
		}

		result := m.evaluator.Evaluate(policy.NewDocument(cr))
		cr.Violations = result.Violations
		metrics.PolicyEvalDuration.Observe(float64(result.DurationMs) / 1000)
		for _, v := range cr.Violations {
			metrics.PolicyViolationsTotal.WithLabelValues(string(v.Action)).Inc()
		}

		for _, v := range cr.Violations {
			if v.Action == types.ActionDeny {
				return m.transition(tx, cr, types.StateRejected, "system", fmt.Sprintf("denied by policy %s: %s", v.RuleID, v.Message))
			}
		}
		return m.transition(tx, cr, types.StatePolicyEvaluated, "system", fmt.Sprintf("%d violation(s)", len(cr.Violations)))
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// RequestApproval advances a policy-evaluated request to either
// StateAwaitingApproval (if risk or policy requires a human approval) or
// directly to StateApproved when none is required.
func (m *Manager) RequestApproval(id string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State != types.StatePolicyEvaluated {
			return fmt.Errorf("change request %s: cannot request approval from state %s", id, cr.State)
		}

		needsApproval := cr.Risk != nil && cr.Risk.RequiresApproval
		for _, v := range cr.Violations {
			if v.Action == types.ActionRequireApproval {
				needsApproval = true
			}
		}
		if needsApproval {
			level := types.RiskMinimal
			if cr.Risk != nil {
				level = cr.Risk.Level
			}
			cr.ApprovalChain = buildChain(m.cfg.ApprovalTemplates, cr.Environment, level)
			return m.transition(tx, cr, types.StateAwaitingApproval, "system",
				fmt.Sprintf("requires human approval: %d-step %s chain", len(cr.ApprovalChain.Steps), cr.ApprovalChain.Mode))
		}
		return m.transition(tx, cr, types.StateApproved, "system", "auto-approved: no gating factor")
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// SubmitApproval records one approve/reject decision against an
// awaiting-approval request's chain. stepName selects which active step
// the decision applies to; an empty stepName targets whichever step the
// chain currently has active (the sole active step outside parallel mode
// with multiple concurrent steps). The request moves to StateApproved the
// instant every step is satisfied, or to StateRejected the instant any
// decision anywhere in the chain is a rejection.
func (m *Manager) SubmitApproval(id, stepName, approver string, approved bool, reason string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State != types.StateAwaitingApproval {
			return fmt.Errorf("change request %s: cannot submit approval from state %s", id, cr.State)
		}
		if cr.ApprovalChain == nil {
			return fmt.Errorf("change request %s: awaiting approval with no chain", id)
		}

		idx, err := resolveActiveStep(cr.ApprovalChain, stepName)
		if err != nil {
			return err
		}
		reason = redactReason(reason)
		cr.ApprovalChain.Steps[idx].Decisions = append(cr.ApprovalChain.Steps[idx].Decisions, types.ApprovalDecision{
			Approver:  approver,
			Approved:  approved,
			Reason:    reason,
			DecidedAt: time.Now().UTC(),
		})
		step := cr.ApprovalChain.Steps[idx]

		if cr.ApprovalChain.Rejected() {
			return m.transition(tx, cr, types.StateRejected, approver, fmt.Sprintf("rejected at step %q: %s", step.Name, reason))
		}
		if cr.ApprovalChain.Complete() {
			return m.transition(tx, cr, types.StateApproved, approver, "approval chain complete")
		}
		return m.put(tx, cr)
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// resolveActiveStep returns the index of the chain step a decision with the
// given (possibly empty) step name should apply to, among the steps
// ApprovalChain.ActiveSteps reports as currently eligible.
func resolveActiveStep(chain *types.ApprovalChain, name string) (int, error) {
	active := chain.ActiveSteps()
	if len(active) == 0 {
		return 0, fmt.Errorf("approval chain has no active step")
	}
	if name == "" {
		return active[0], nil
	}
	for _, i := range active {
		if chain.Steps[i].Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("step %q is not currently active", name)
}

// Execute marks an approved request executed. Callers are responsible for
// actually carrying out the change before calling this.
func (m *Manager) Execute(id, actor string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State != types.StateApproved {
			return fmt.Errorf("change request %s: cannot execute from state %s", id, cr.State)
		}
		return m.transition(tx, cr, types.StateExecuted, actor, "executed")
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// Cancel moves any non-terminal request to StateCancelled.
func (m *Manager) Cancel(id, actor, reason string) (*types.ChangeRequest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var cr *types.ChangeRequest
	err := m.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cr, err = m.get(tx, id)
		if err != nil {
			return err
		}
		if cr.State.IsTerminal() {
			return fmt.Errorf("change request %s: already in terminal state %s", id, cr.State)
		}
		return m.transition(tx, cr, types.StateCancelled, actor, redactReason(reason))
	})
	if err != nil {
		return nil, err
	}
	m.publish(cr, "")
	return cr, nil
}

// transition appends an audit entry, updates state, and persists cr. Must
// be called with the per-id lock held and inside a write transaction.
func (m *Manager) transition(tx *bbolt.Tx, cr *types.ChangeRequest, to types.GovernanceState, actor, reason string) error {
	from := cr.State
	now := time.Now().UTC()
	cr.State = to
	cr.UpdatedAt = now
	cr.Audit = append(cr.Audit, types.AuditEntry{
		Timestamp: now,
		Actor:     actor,
		FromState: from,
		ToState:   to,
		Reason:    reason,
	})
	metrics.GovernanceTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	log.WithChangeRequestID(cr.ID).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("governance transition")
	return m.put(tx, cr)
}

func (m *Manager) publish(cr *types.ChangeRequest, _ string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    events.EventGovernanceAdvanced,
		Message: fmt.Sprintf("%s: %s -> %s", cr.ID, cr.TargetID, cr.State),
		Metadata: map[string]string{
			"change_request_id": cr.ID,
			"target_id":         cr.TargetID,
			"state":             string(cr.State),
		},
	})
}

// redactReason scrubs any substring of a free-text reason that looks like a
// key=value pair whose key matches the sensitive-field pattern.
func redactReason(reason string) string {
	return redactSensitiveAssignments(reason)
}

var assignmentPattern = regexp.MustCompile(`(\w+)\s*=\s*\S+`)

func redactSensitiveAssignments(s string) string {
	return assignmentPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := assignmentPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if redactedPattern.MatchString(parts[1]) {
			return parts[1] + "=" + redactedPlaceholder
		}
		return match
	})
}

// RedactParameters returns a copy of params with any sensitive-looking key
// replaced by a placeholder value, recursing into nested maps. Used before
// parameters are logged or surfaced in an audit view.
func RedactParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if redactedPattern.MatchString(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = RedactParameters(nested)
			continue
		}
		out[k] = v
	}
	return out
}
