package ranging

import (
	"context"
	"sync"
)

// MockResult is one scripted measurement.
type MockResult struct {
	CM    float64
	Err   error
	Panic bool
}

// MockRangefinder replays a script of results, looping when it runs out.
// It is used by tests and by simulation mode.
type MockRangefinder struct {
	mu     sync.Mutex
	script []MockResult
	pos    int
	calls  int
}

// NewMockRangefinder creates a rangefinder replaying results in order.
func NewMockRangefinder(results ...MockResult) *MockRangefinder {
	return &MockRangefinder{script: results}
}

// Distances is a shorthand for a script of successful readings.
func Distances(cms ...float64) []MockResult {
	out := make([]MockResult, len(cms))
	for i, cm := range cms {
		out[i] = MockResult{CM: cm}
	}
	return out
}

// Measure returns the next scripted result.
func (m *MockRangefinder) Measure(ctx context.Context) (float64, error) {
	m.mu.Lock()
	m.calls++
	if len(m.script) == 0 {
		m.mu.Unlock()
		return 0, ErrTimeout
	}
	res := m.script[m.pos%len(m.script)]
	m.pos++
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if res.Panic {
		panic("mock rangefinder fault")
	}
	return res.CM, res.Err
}

// Calls returns how many times Measure was invoked.
func (m *MockRangefinder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
