// Package ranging polls the two rangefinders and publishes their readings.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// ErrTimeout is returned by a Rangefinder when no echo arrived in time.
var ErrTimeout = errors.New("ranging: no echo")

// Rangefinder measures the distance to the nearest obstacle in centimeters.
// Implementations should honor the context deadline.
type Rangefinder interface {
	Measure(ctx context.Context) (float64, error)
}

// Publisher receives distance readings.
type Publisher interface {
	PublishDistance(slot int, r store.DistanceReading)
}

// Config holds ranging cadence parameters.
type Config struct {
	Period         time.Duration // Time between polling cycles
	MeasureTimeout time.Duration // Per-rangefinder deadline
}

// DefaultConfig returns the reference cadence: 100ms period, 40ms echo window.
func DefaultConfig() Config {
	return Config{
		Period:         100 * time.Millisecond,
		MeasureTimeout: 40 * time.Millisecond,
	}
}

// Stats counts polling outcomes across both rangefinders.
type Stats struct {
	Cycles   uint64
	Timeouts uint64
	Faults   uint64
}

// Task polls two rangefinders on a fixed period.
type Task struct {
	cfg     Config
	out     Publisher
	sensors [2]*sensor
	logger  *slog.Logger
	faults  *log.Throttle
	stalls  *log.Throttle
	now     func() time.Time

	cycles   atomic.Uint64
	timeouts atomic.Uint64
	faultCnt atomic.Uint64
}

// sensor is one rangefinder slot. busy is held while a Measure call is in
// flight, including one the task has already given up on.
type sensor struct {
	slot int
	rf   Rangefinder
	busy atomic.Bool
}

type measurement struct {
	cm  float64
	err error
}

// NewTask creates a ranging task publishing to out.
func NewTask(cfg Config, out Publisher, first, second Rangefinder, logger *slog.Logger) *Task {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.MeasureTimeout <= 0 {
		cfg.MeasureTimeout = DefaultConfig().MeasureTimeout
	}
	return &Task{
		cfg:     cfg,
		out:     out,
		sensors: [2]*sensor{{slot: 1, rf: first}, {slot: 2, rf: second}},
		logger:  log.OrDefault(logger).With("component", "ranging"),
		faults:  log.NewThrottle(log.DefaultThrottleInterval),
		stalls:  log.NewThrottle(log.DefaultThrottleInterval),
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Period)
	defer ticker.Stop()

	t.logger.Info("ranging started", "period", t.cfg.Period, "timeout", t.cfg.MeasureTimeout)
	for {
		t.Poll(ctx)
		select {
		case <-ctx.Done():
			t.logger.Info("ranging stopped", "cycles", t.cycles.Load())
			return nil
		case <-ticker.C:
		}
	}
}

// Poll measures both rangefinders concurrently and publishes each result.
// It returns within MeasureTimeout even if a driver ignores its context.
func (t *Task) Poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var wg sync.WaitGroup
	for _, s := range t.sensors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reading := t.measure(ctx, s)
			if ctx.Err() != nil {
				return
			}
			reading.At = t.now()
			t.out.PublishDistance(s.slot, reading)
		}()
	}
	wg.Wait()
	t.cycles.Add(1)
}

// Stats returns a copy of the polling counters.
func (t *Task) Stats() Stats {
	return Stats{
		Cycles:   t.cycles.Load(),
		Timeouts: t.timeouts.Load(),
		Faults:   t.faultCnt.Load(),
	}
}

// measure queries one rangefinder. Any failure, including a panic in the
// driver or a call that outlives its deadline, becomes a timeout reading.
// A driver still stuck in an earlier call is not called again.
func (t *Task) measure(ctx context.Context, s *sensor) store.DistanceReading {
	if s.rf == nil {
		return store.TimeoutReading()
	}
	if !s.busy.CompareAndSwap(false, true) {
		t.timeouts.Add(1)
		if ok, n := t.stalls.Hit(); ok {
			t.logger.Warn("rangefinder still busy, skipping", "slot", s.slot, "total_skips", n)
		}
		return store.TimeoutReading()
	}

	mctx, cancel := context.WithTimeout(ctx, t.cfg.MeasureTimeout)
	defer cancel()

	done := make(chan measurement, 1)
	go func() {
		cm, err := call(mctx, s.rf)
		s.busy.Store(false)
		done <- measurement{cm: cm, err: err}
	}()

	select {
	case m := <-done:
		return t.convert(ctx, s.slot, m)
	case <-mctx.Done():
		t.timeouts.Add(1)
		return store.TimeoutReading()
	}
}

func (t *Task) convert(ctx context.Context, slot int, m measurement) store.DistanceReading {
	switch {
	case m.err == nil:
		return store.Reading(m.cm)
	case errors.Is(m.err, ErrTimeout), errors.Is(m.err, context.DeadlineExceeded), ctx.Err() != nil:
		t.timeouts.Add(1)
	default:
		t.fault(slot, m.err)
	}
	return store.TimeoutReading()
}

// call invokes the driver, turning a panic into an error.
func call(ctx context.Context, rf Rangefinder) (cm float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rf.Measure(ctx)
}

func (t *Task) fault(slot int, err error) {
	t.faultCnt.Add(1)
	if ok, n := t.faults.Hit(); ok {
		t.logger.Warn("rangefinder fault", "slot", slot, "error", err, "total_faults", n)
	}
}
