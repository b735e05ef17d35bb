package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tone is one recorded Sound call.
type Tone struct {
	FrequencyHz int
	Duration    time.Duration
}

// MockActuator records tones. With Realtime set it blocks for each tone's
// duration like a real buzzer.
type MockActuator struct {
	Realtime bool

	mu       sync.Mutex
	tones    []Tone
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

// Sound records the tone.
func (m *MockActuator) Sound(ctx context.Context, frequencyHz int, d time.Duration) error {
	m.mu.Lock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		return err
	}
	m.tones = append(m.tones, Tone{FrequencyHz: frequencyHz, Duration: d})
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("buzzer", "hz", frequencyHz, "duration", d)
	}
	if m.Realtime {
		sleep(ctx, d)
	}
	return ctx.Err()
}

// Tones returns the recorded tones in order.
func (m *MockActuator) Tones() []Tone {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Tone(nil), m.tones...)
}
