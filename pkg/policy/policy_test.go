package policy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgraph/invgraph/pkg/types"
)

func sampleChangeRequest() *types.ChangeRequest {
	return &types.ChangeRequest{
		ID:            "cr-1",
		Initiator:     "alice",
		InitiatorType: types.InitiatorSystem,
		TargetID:      "node-1",
		Action:        "terminate",
		Category:      "delete",
		Dangerous:     true,
		Environment:   types.EnvProduction,
		Parameters:    map[string]interface{}{"instanceType": "m5.xlarge"},
		ResourceIDs:   []string{"node-1"},
		ResourceNames: []string{"web-prod-1"},
	}
}

func TestNewDocumentFlattensParameters(t *testing.T) {
	doc := NewDocument(sampleChangeRequest())
	v, ok := doc.Field("parameters.instanceType")
	assert.True(t, ok)
	assert.Equal(t, "m5.xlarge", v)

	env, ok := doc.Field("environment")
	assert.True(t, ok)
	assert.Equal(t, "production", env)
}

func TestLocalBackendFieldEquals(t *testing.T) {
	rule := Rule{
		ID:              "prod-delete-deny",
		Package:         "governance",
		Severity:        types.SeverityCritical,
		Action:          types.ActionRequireApproval,
		MessageTemplate: "deleting {{resourceIds}} in {{environment}} requires approval",
		Condition: Condition{
			Type: CondAnd,
			Children: []Condition{
				{Type: CondFieldEquals, Field: "environment", Value: "production"},
				{Type: CondFieldEquals, Field: "category", Value: "delete"},
			},
		},
	}
	backend := NewLocalBackend([]Rule{rule})
	doc := NewDocument(sampleChangeRequest())

	result := backend.Evaluate(doc)
	assert.False(t, result.OK)
	assert.Len(t, result.Violations, 1)
	assert.Equal(t, types.ActionRequireApproval, result.Violations[0].Action)
	assert.Contains(t, result.Violations[0].Message, "production")
}

func TestDefaultRulesDeniesProductionDatabaseDelete(t *testing.T) {
	backend := NewLocalBackend(DefaultRules())
	cr := sampleChangeRequest()
	cr.ResourceNames = []string{"payments-db-1"}

	result := backend.Evaluate(NewDocument(cr))
	assert.False(t, result.OK)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "no-prod-database-delete", result.Violations[0].RuleID)
	assert.Equal(t, types.ActionDeny, result.Violations[0].Action)
}

func TestDefaultRulesRequiresApprovalForProductionSecurityChange(t *testing.T) {
	backend := NewLocalBackend(DefaultRules())
	cr := sampleChangeRequest()
	cr.Category = "security"
	cr.ResourceNames = []string{"web-prod-1"}

	result := backend.Evaluate(NewDocument(cr))
	assert.False(t, result.OK)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "prod-security-requires-approval", result.Violations[0].RuleID)
	assert.Equal(t, types.ActionRequireApproval, result.Violations[0].Action)
}

func TestDefaultRulesAllowsNonProductionDatabaseDelete(t *testing.T) {
	backend := NewLocalBackend(DefaultRules())
	cr := sampleChangeRequest()
	cr.Environment = types.EnvStaging
	cr.ResourceNames = []string{"payments-db-1"}

	result := backend.Evaluate(NewDocument(cr))
	assert.True(t, result.OK)
	assert.Empty(t, result.Violations)
}

func TestLocalBackendNoMatch(t *testing.T) {
	rule := Rule{
		ID:       "staging-only",
		Severity: types.SeverityLow,
		Action:   types.ActionWarn,
		Condition: Condition{
			Type: CondFieldEquals, Field: "environment", Value: "staging",
		},
	}
	backend := NewLocalBackend([]Rule{rule})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.True(t, result.OK)
	assert.Empty(t, result.Violations)
}

func TestLocalBackendFieldIn(t *testing.T) {
	rule := Rule{
		ID:       "dangerous-categories",
		Severity: types.SeverityHigh,
		Action:   types.ActionDeny,
		Condition: Condition{
			Type:   CondFieldIn,
			Field:  "category",
			Values: []interface{}{"delete", "security"},
		},
	}
	backend := NewLocalBackend([]Rule{rule})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.False(t, result.OK)
}

func TestLocalBackendNot(t *testing.T) {
	rule := Rule{
		ID:       "non-production-only",
		Severity: types.SeverityMedium,
		Action:   types.ActionWarn,
		Condition: Condition{
			Type: CondNot,
			Children: []Condition{
				{Type: CondFieldEquals, Field: "environment", Value: "production"},
			},
		},
	}
	backend := NewLocalBackend([]Rule{rule})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.True(t, result.OK)
}

func TestMockBackendRegisteredPredicate(t *testing.T) {
	mock := NewMockBackend()
	mock.On(func(doc Document) bool {
		v, _ := doc.Field("category")
		return v == "delete"
	}, EvalResult{OK: false, Violations: []types.PolicyViolation{{RuleID: "mocked"}}})

	result := mock.Evaluate(NewDocument(sampleChangeRequest()))
	assert.False(t, result.OK)
	assert.Equal(t, "mocked", result.Violations[0].RuleID)
	assert.Len(t, mock.Calls(), 1)
}

func TestMockBackendDefault(t *testing.T) {
	mock := NewMockBackend()
	result := mock.Evaluate(NewDocument(sampleChangeRequest()))
	assert.True(t, result.OK)
}

func TestInterpolateUnresolvedFieldLeftLiteral(t *testing.T) {
	doc := NewDocument(sampleChangeRequest())
	out := interpolate("{{unknownField}} and {{category}}", doc)
	assert.Equal(t, "{{unknownField}} and delete", out)
}

func TestRemoteBackendParsesViolationArrayResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":[{"RuleID":"no-prod-delete","Action":"deny"}]}`))
	}))
	defer srv.Close()

	backend := NewRemoteBackend(RemoteConfig{Endpoint: srv.URL, Timeout: time.Second})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "no-prod-delete", result.Violations[0].RuleID)
	assert.Equal(t, types.ActionDeny, result.Violations[0].Action)
}

func TestRemoteBackendParsesBooleanDenyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":true}`))
	}))
	defer srv.Close()

	backend := NewRemoteBackend(RemoteConfig{Endpoint: srv.URL, Timeout: time.Second})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	require.Len(t, result.Violations, 1)
	assert.Equal(t, types.ActionDeny, result.Violations[0].Action)
}

func TestRemoteBackendBooleanFalseMeansNoViolations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":false}`))
	}))
	defer srv.Close()

	backend := NewRemoteBackend(RemoteConfig{Endpoint: srv.URL, Timeout: time.Second})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.True(t, result.OK)
	assert.Empty(t, result.Violations)
}

func TestRemoteBackendFailOpenOnUnreachable(t *testing.T) {
	backend := NewRemoteBackend(RemoteConfig{Endpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, FailMode: FailOpen})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.True(t, result.OK)
	assert.Empty(t, result.Violations)
	assert.NotEmpty(t, result.Error)
}

func TestRemoteBackendFailClosedOnUnreachable(t *testing.T) {
	backend := NewRemoteBackend(RemoteConfig{Endpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, FailMode: FailClosed})
	result := backend.Evaluate(NewDocument(sampleChangeRequest()))
	assert.False(t, result.OK)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, types.ActionDeny, result.Violations[0].Action)
	assert.Equal(t, types.SeverityCritical, result.Violations[0].Severity)
}
