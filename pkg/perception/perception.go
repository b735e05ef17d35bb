// Package perception classifies the tactile paving under the camera and
// publishes the resulting lane state.
//
// The task runs on a fixed inference cadence. Each cycle takes the latest
// camera frame, runs the classifier once and maps the detections to a
// single LaneState:
//
//   - a linear (guidance) block above the confidence threshold means Stop
//   - otherwise a tactile (dot) block means GoForward
//   - otherwise None
//
// A failed cycle publishes None, so a stale Stop or GoForward never
// outlives the next evaluation.
package perception

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// Class labels produced by the paving model.
const (
	ClassTactileBlock = "점자블럭"
	ClassLinearBlock  = "선형블럭"
)

// Sentinel errors.
var (
	// ErrNoFrame is returned when the camera has not produced a frame yet.
	ErrNoFrame = errors.New("perception: no camera frame")

	// ErrClassifier wraps any classifier failure, including panics.
	ErrClassifier = errors.New("perception: classifier failed")
)

// Detection is one classified object in a frame.
type Detection struct {
	Label      string
	Confidence float64
}

// Classifier runs the detection model on an encoded frame.
type Classifier interface {
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
}

// Camera hands out the most recent frame. ok is false until the camera
// has warmed up or after it failed.
type Camera interface {
	LatestFrame() (frame []byte, ok bool)
}

// Sink is the part of the shared store the perception task uses.
// Snapshot is only read for the status log line.
type Sink interface {
	PublishLane(store.LaneState)
	Snapshot() store.Snapshot
}

// Policy maps detections to a lane state.
type Policy struct {
	Threshold    float64 // Minimum confidence for a detection to count
	StopLabel    string  // Label that means Stop
	ForwardLabel string  // Label that means GoForward
}

// DefaultPolicy returns the paving policy with a 0.5 confidence threshold.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    0.5,
		StopLabel:    ClassLinearBlock,
		ForwardLabel: ClassTactileBlock,
	}
}

// Evaluate returns Stop if any kept detection is a stop marker, GoForward if
// any is a forward marker, and None otherwise. Stop wins regardless of the
// relative confidences.
func (p Policy) Evaluate(dets []Detection) store.LaneState {
	forward := false
	for _, d := range dets {
		if d.Confidence < p.Threshold {
			continue
		}
		switch d.Label {
		case p.StopLabel:
			return store.LaneStop
		case p.ForwardLabel:
			forward = true
		}
	}
	if forward {
		return store.LaneGoForward
	}
	return store.LaneNone
}

// Config holds perception cadence and policy.
type Config struct {
	Interval time.Duration // Time between inference cycles
	Policy   Policy
}

// DefaultConfig returns a 1s inference cadence with the default policy.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Policy:   DefaultPolicy(),
	}
}

// Task runs the classifier on a fixed cadence. Cycles run sequentially on
// one goroutine, so two inferences never overlap; ticks missed while an
// inference is running are dropped.
type Task struct {
	cfg        Config
	camera     Camera
	classifier Classifier
	sink       Sink
	logger     *slog.Logger
	failures   *log.Throttle

	cycles   atomic.Uint64
	failed   atomic.Uint64
	overruns atomic.Uint64
}

// NewTask creates a perception task.
func NewTask(cfg Config, camera Camera, classifier Classifier, sink Sink, logger *slog.Logger) *Task {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Policy.StopLabel == "" && cfg.Policy.ForwardLabel == "" {
		threshold := cfg.Policy.Threshold
		cfg.Policy = DefaultPolicy()
		if threshold > 0 {
			cfg.Policy.Threshold = threshold
		}
	}
	return &Task{
		cfg:        cfg,
		camera:     camera,
		classifier: classifier,
		sink:       sink,
		logger:     log.OrDefault(logger).With("component", "perception"),
		failures:   log.NewThrottle(log.DefaultThrottleInterval),
	}
}

// Run evaluates until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.logger.Info("perception started", "interval", t.cfg.Interval, "threshold", t.cfg.Policy.Threshold)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("perception stopped", "cycles", t.cycles.Load(), "failed", t.failed.Load())
			return nil
		case <-ticker.C:
			t.Cycle(ctx)
		}
	}
}

// Cycle runs one inference and publishes the resulting lane state.
func (t *Task) Cycle(ctx context.Context) store.LaneState {
	start := time.Now()
	lane, err := t.evaluate(ctx)
	elapsed := time.Since(start)
	t.cycles.Add(1)

	if ctx.Err() != nil {
		// Shutting down; the result of an interrupted inference is not trustworthy.
		return store.LaneNone
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrNoFrame):
		t.logger.Debug("camera not ready, publishing none")
	default:
		t.failed.Add(1)
		if ok, n := t.failures.Hit(); ok {
			t.logger.Warn("classification failed, publishing none", "error", err, "total_failures", n)
		}
	}

	t.sink.PublishLane(lane)

	if elapsed > t.cfg.Interval {
		t.overruns.Add(1)
		t.logger.Warn("inference slower than cadence", "latency", elapsed, "interval", t.cfg.Interval)
	}

	snap := t.sink.Snapshot()
	t.logger.Info("inference",
		"latency", elapsed.Round(time.Millisecond),
		"lane", lane,
		"distance1", snap.Distance1,
		"distance2", snap.Distance2,
		"brake", snap.Brake,
	)
	return lane
}

// evaluate returns LaneNone alongside any error.
func (t *Task) evaluate(ctx context.Context) (lane store.LaneState, err error) {
	defer func() {
		if r := recover(); r != nil {
			lane, err = store.LaneNone, fmt.Errorf("%w: panic: %v", ErrClassifier, r)
		}
	}()

	if t.camera == nil {
		return store.LaneNone, ErrNoFrame
	}
	frame, ok := t.camera.LatestFrame()
	if !ok || len(frame) == 0 {
		return store.LaneNone, ErrNoFrame
	}
	if t.classifier == nil {
		return store.LaneNone, fmt.Errorf("%w: no classifier", ErrClassifier)
	}

	dets, err := t.classifier.Detect(ctx, frame)
	if err != nil {
		return store.LaneNone, fmt.Errorf("%w: %w", ErrClassifier, err)
	}
	return t.cfg.Policy.Evaluate(dets), nil
}

// Overruns returns how many cycles took longer than the cadence.
func (t *Task) Overruns() uint64 {
	return t.overruns.Load()
}

// Failures returns how many cycles failed in the classifier.
func (t *Task) Failures() uint64 {
	return t.failed.Load()
}
