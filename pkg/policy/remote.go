package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/types"
)

// FailMode controls RemoteBackend's behavior when the policy service is
// unreachable or returns an error.
type FailMode string

const (
	// FailOpen treats an unreachable policy service as "no violations".
	FailOpen FailMode = "open"
	// FailClosed synthesizes a single critical deny violation.
	FailClosed FailMode = "closed"
)

// RemoteConfig configures a RemoteBackend.
type RemoteConfig struct {
	Endpoint string
	Timeout  time.Duration
	FailMode FailMode
}

// remoteRequest is the document shipped to the external policy service,
// matching OPA's conventional POST {baseUrl}/{policyPath} body shape.
type remoteRequest struct {
	Input Document `json:"input"`
}

// remoteResponse mirrors OPA's own response envelope: "result" is kept raw
// and decoded by parseResult, which accepts a JSON array of violations or a
// bare boolean deny decision. An object result is reported as malformed.
type remoteResponse struct {
	Result json.RawMessage `json:"result"`
}

// RemoteBackend delegates evaluation to an external HTTP policy service.
type RemoteBackend struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteBackend creates a RemoteBackend against cfg.Endpoint.
func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailMode == "" {
		cfg.FailMode = FailClosed
	}
	return &RemoteBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *RemoteBackend) Evaluate(doc Document) EvalResult {
	return timeIt(func() EvalResult {
		violations, err := b.call(doc)
		if err != nil {
			logger := log.WithComponent("policy.remote")
			logger.Warn().Err(err).Str("endpoint", b.cfg.Endpoint).Msg("policy service call failed")
			if b.cfg.FailMode == FailOpen {
				return EvalResult{OK: true, Error: err.Error()}
			}
			return EvalResult{
				OK: false,
				Violations: []types.PolicyViolation{{
					RuleID:   "policy-service-unreachable",
					Package:  "system",
					Severity: types.SeverityCritical,
					Action:   types.ActionDeny,
					Message:  fmt.Sprintf("policy service unreachable: %v", err),
				}},
				Error: err.Error(),
			}
		}
		return EvalResult{OK: len(violations) == 0, Violations: violations}
	})
}

func (b *RemoteBackend) call(doc Document) ([]types.PolicyViolation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{Input: doc})
	if err != nil {
		return nil, fmt.Errorf("marshal policy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call policy service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode policy response: %w", err)
	}
	return parseResult(out.Result)
}

// parseResult interprets OPA's polymorphic "result" field: a JSON array is
// taken as a list of violations directly; a bare boolean is a deny decision
// (true denies, synthesized into one violation; false means no violations);
// anything else is a malformed response.
func parseResult(raw json.RawMessage) ([]types.PolicyViolation, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		if !asBool {
			return nil, nil
		}
		return []types.PolicyViolation{{
			RuleID:   "remote-deny",
			Package:  "remote",
			Severity: types.SeverityCritical,
			Action:   types.ActionDeny,
			Message:  "denied by remote policy service",
		}}, nil
	}

	var asViolations []types.PolicyViolation
	if err := json.Unmarshal(raw, &asViolations); err == nil {
		return asViolations, nil
	}

	return nil, fmt.Errorf("malformed policy result: %s", string(raw))
}

func (b *RemoteBackend) HealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
