package governance

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgraph/invgraph/pkg/events"
	"github.com/invgraph/invgraph/pkg/policy"
	"github.com/invgraph/invgraph/pkg/risk"
	"github.com/invgraph/invgraph/pkg/types"
)

func newTestManager(t *testing.T, evaluator policy.Evaluator) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "governance.db"), evaluator, nil, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleInput() risk.Input {
	return risk.Input{
		Category:      "delete",
		Dangerous:     true,
		Environment:   types.EnvProduction,
		ResourceIDs:   []string{"node-1"},
		ResourceNames: []string{"web-prod-1"},
	}
}

func TestGovernanceHappyPathRequiresApproval(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)

	cr, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, cr.State)

	cr, err = m.AssessRisk(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRiskAssessed, cr.State)
	assert.NotNil(t, cr.Risk)

	cr, err = m.EvaluatePolicy(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatePolicyEvaluated, cr.State)

	cr, err = m.RequestApproval(cr.ID)
	require.NoError(t, err)
	// production + dangerous delete should require approval per the risk scorer.
	assert.Equal(t, types.StateAwaitingApproval, cr.State)
	require.NotNil(t, cr.ApprovalChain)
	assert.Equal(t, types.ApprovalModeParallel, cr.ApprovalChain.Mode)
	require.Len(t, cr.ApprovalChain.Steps, 1)
	assert.Equal(t, "on-call-lead", cr.ApprovalChain.Steps[0].Name)
	assert.Equal(t, 2, cr.ApprovalChain.Steps[0].RequiredApprovers)

	// The on-call-lead step requires two approvers; one approval is not enough.
	cr, err = m.SubmitApproval(cr.ID, "", "bob", true, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingApproval, cr.State)

	cr, err = m.SubmitApproval(cr.ID, "on-call-lead", "carol", true, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, types.StateApproved, cr.State)

	cr, err = m.Execute(cr.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, cr.State)
	assert.True(t, cr.State.IsTerminal())

	assert.Len(t, cr.Audit, 6)
}

func criticalRiskInput() risk.Input {
	resourceIDs := make([]string, 60) // pushes the resource-count factor to 90
	for i := range resourceIDs {
		resourceIDs[i] = fmt.Sprintf("node-%d", i)
	}
	return risk.Input{
		Category:      "delete",
		Dangerous:     true,
		Environment:   types.EnvProduction,
		ResourceIDs:   resourceIDs,
		ResourceNames: []string{"web-prod-1"},
	}
}

func TestGovernanceSequentialChainRequiresStepsInOrder(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)

	// Critical production risk selects the sequential security-review ->
	// vp-engineering template.
	cr, err := m.Submit(criticalRiskInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)
	cr, err = m.AssessRisk(cr.ID)
	require.NoError(t, err)
	require.Equal(t, types.RiskCritical, cr.Risk.Level)
	cr, err = m.EvaluatePolicy(cr.ID)
	require.NoError(t, err)
	cr, err = m.RequestApproval(cr.ID)
	require.NoError(t, err)
	require.NotNil(t, cr.ApprovalChain)
	assert.Equal(t, types.ApprovalModeSequential, cr.ApprovalChain.Mode)
	require.Len(t, cr.ApprovalChain.Steps, 2)

	// The second step is not active until the first is satisfied.
	_, err = m.SubmitApproval(cr.ID, "vp-engineering", "dana", true, "out of order")
	assert.Error(t, err)

	cr, err = m.SubmitApproval(cr.ID, "security-review", "sec-lead", true, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingApproval, cr.State)

	cr, err = m.SubmitApproval(cr.ID, "vp-engineering", "dana", true, "approved")
	require.NoError(t, err)
	assert.Equal(t, types.StateApproved, cr.State)
}

func TestGovernanceChainRejectionAtAnyStepRejectsWholeRequest(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)

	cr, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)
	cr, err = m.AssessRisk(cr.ID)
	require.NoError(t, err)
	cr, err = m.EvaluatePolicy(cr.ID)
	require.NoError(t, err)
	cr, err = m.RequestApproval(cr.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateAwaitingApproval, cr.State)

	cr, err = m.SubmitApproval(cr.ID, "", "bob", false, "not now")
	require.NoError(t, err)
	assert.Equal(t, types.StateRejected, cr.State)
	assert.True(t, cr.State.IsTerminal())
}

func TestGovernancePolicyDenyRejects(t *testing.T) {
	mock := policy.NewMockBackend()
	mock.SetDefault(policy.EvalResult{
		OK: false,
		Violations: []types.PolicyViolation{
			{RuleID: "no-prod-delete", Severity: types.SeverityCritical, Action: types.ActionDeny, Message: "denied"},
		},
	})
	m := newTestManager(t, mock)

	cr, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)
	_, err = m.AssessRisk(cr.ID)
	require.NoError(t, err)

	cr, err = m.EvaluatePolicy(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRejected, cr.State)
	assert.True(t, cr.State.IsTerminal())
}

func TestGovernanceInvalidTransitionRejected(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)
	cr, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)

	_, err = m.EvaluatePolicy(cr.ID)
	assert.Error(t, err)
}

func TestGovernanceCancelFromAnyNonTerminalState(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)
	cr, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)

	cr, err = m.Cancel(cr.ID, "alice", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, cr.State)

	_, err = m.Cancel(cr.ID, "alice", "again")
	assert.Error(t, err)
}

func TestRedactSensitiveAssignments(t *testing.T) {
	out := redactSensitiveAssignments("rotated secret=sk-abcdef123 for service")
	assert.Contains(t, out, redactedPlaceholder)
	assert.NotContains(t, out, "sk-abcdef123")
}

func TestRedactParametersNested(t *testing.T) {
	params := map[string]interface{}{
		"instanceType": "m5.large",
		"apiToken":     "xyz",
		"nested": map[string]interface{}{
			"password": "hunter2",
			"region":   "us-east-1",
		},
	}
	redacted := RedactParameters(params)
	assert.Equal(t, "m5.large", redacted["instanceType"])
	assert.Equal(t, redactedPlaceholder, redacted["apiToken"])
	nested := redacted["nested"].(map[string]interface{})
	assert.Equal(t, redactedPlaceholder, nested["password"])
	assert.Equal(t, "us-east-1", nested["region"])
}

func TestGovernanceListReturnsSubmitted(t *testing.T) {
	mock := policy.NewMockBackend()
	m := newTestManager(t, mock)
	_, err := m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)
	_, err = m.Submit(sampleInput(), "bob", types.InitiatorSystem, "node-2", "modify")
	require.NoError(t, err)

	all, err := m.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGovernancePublishesEvents(t *testing.T) {
	mock := policy.NewMockBackend()
	dir := t.TempDir()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m, err := Open(filepath.Join(dir, "governance.db"), mock, broker, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Submit(sampleInput(), "alice", types.InitiatorSystem, "node-1", "terminate")
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, events.EventGovernanceAdvanced, evt.Type)
	default:
		t.Fatal("expected a published event")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
