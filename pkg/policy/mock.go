package policy

import "sync"

// MockPredicate decides whether a registered result applies to a document.
type MockPredicate func(doc Document) bool

type mockRegistration struct {
	predicate MockPredicate
	result    EvalResult
}

// MockBackend is a test double: the first registered predicate that matches
// a document supplies its result, and every evaluated document is recorded
// for later assertions.
type MockBackend struct {
	mu            sync.Mutex
	registrations []mockRegistration
	calls         []Document
	defaultResult EvalResult
	healthy       bool
}

// NewMockBackend creates a MockBackend that returns OK with no violations
// for any document with no matching registration.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		defaultResult: EvalResult{OK: true},
		healthy:       true,
	}
}

// On registers a predicate/result pair. Predicates are tried in
// registration order; the first match wins.
func (m *MockBackend) On(predicate MockPredicate, result EvalResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, mockRegistration{predicate: predicate, result: result})
}

// SetDefault overrides the result returned when no registration matches.
func (m *MockBackend) SetDefault(result EvalResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResult = result
}

// SetHealthy controls what HealthCheck reports.
func (m *MockBackend) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *MockBackend) Evaluate(doc Document) EvalResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, doc)
	for _, reg := range m.registrations {
		if reg.predicate(doc) {
			return reg.result
		}
	}
	return m.defaultResult
}

func (m *MockBackend) HealthCheck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Calls returns every document passed to Evaluate, in order.
func (m *MockBackend) Calls() []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, len(m.calls))
	copy(out, m.calls)
	return out
}
