package brake

import (
	"log/slog"
	"sync"
)

// MockActuator records brake commands. FailNext makes the next N calls fail.
type MockActuator struct {
	mu       sync.Mutex
	commands []string
	failures []error
	logger   *slog.Logger
}

// NewMockActuator creates a recording actuator. logger may be nil.
func NewMockActuator(logger *slog.Logger) *MockActuator {
	return &MockActuator{logger: logger}
}

// FailNext queues errors returned by the next calls, in order.
func (m *MockActuator) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Engage records an engage command.
func (m *MockActuator) Engage() error { return m.record("engage") }

// Release records a release command.
func (m *MockActuator) Release() error { return m.record("release") }

func (m *MockActuator) record(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	m.commands = append(m.commands, cmd)
	if m.logger != nil {
		m.logger.Info("brake actuator", "command", cmd)
	}
	return nil
}

// Commands returns the successful commands in order.
func (m *MockActuator) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Count returns how many times cmd succeeded.
func (m *MockActuator) Count(cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if c == cmd {
			n++
		}
	}
	return n
}
