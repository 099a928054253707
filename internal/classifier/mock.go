package classifier

import (
	"sync"

	"github.com/ayusman/gazegrid/internal/tensor"
)

// MockClassifier returns fixed probabilities and records its inputs.
type MockClassifier struct {
	mu     sync.Mutex
	probs  []float32
	err    error
	calls  int
	last   []tensor.NamedTensor
	closed bool
}

// NewMockClassifier creates a classifier that always returns probs.
func NewMockClassifier(probs ...float32) *MockClassifier {
	return &MockClassifier{probs: probs}
}

// SetProbabilities replaces the returned probabilities.
func (m *MockClassifier) SetProbabilities(probs ...float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probs = probs
}

// SetError makes Infer fail with err.
func (m *MockClassifier) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClassifier) Infer(inputs []tensor.NamedTensor) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = inputs
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.probs...), nil
}

func (m *MockClassifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many times Infer ran.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastInputs returns the inputs of the last Infer call.
func (m *MockClassifier) LastInputs() []tensor.NamedTensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Closed reports whether Close was called.
func (m *MockClassifier) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
