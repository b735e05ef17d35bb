package perception

import (
	"context"
	"sync"
)

// MockResult is one scripted classifier outcome.
type MockResult struct {
	Detections []Detection
	Err        error
	Panic      bool
}

// MockClassifier replays scripted results, looping when it runs out.
type MockClassifier struct {
	mu     sync.Mutex
	script []MockResult
	pos    int
	frames [][]byte
}

// NewMockClassifier creates a classifier replaying results in order.
func NewMockClassifier(results ...MockResult) *MockClassifier {
	return &MockClassifier{script: results}
}

// Detect returns the next scripted result.
func (m *MockClassifier) Detect(ctx context.Context, frame []byte) ([]Detection, error) {
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	if len(m.script) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	res := m.script[m.pos%len(m.script)]
	m.pos++
	m.mu.Unlock()

	if res.Panic {
		panic("mock classifier fault")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res.Detections, res.Err
}

// Calls returns how many frames were classified.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// StaticCamera always returns the same frame once it is ready.
type StaticCamera struct {
	mu    sync.Mutex
	frame []byte
	ready bool
}

// NewStaticCamera creates a camera that is ready with the given frame.
func NewStaticCamera(frame []byte) *StaticCamera {
	return &StaticCamera{frame: frame, ready: len(frame) > 0}
}

// SetReady toggles whether a frame is available.
func (c *StaticCamera) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// LatestFrame returns the frame if the camera is ready.
func (c *StaticCamera) LatestFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, false
	}
	return c.frame, true
}
