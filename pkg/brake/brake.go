// Package brake drives the mechanical brake from the nearest obstacle distance.
//
// The controller is an edge-triggered two-state machine with a single
// threshold. The actuator is commanded only when the state changes, so
// repeated readings on the same side of the threshold never re-issue a
// command.
package brake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// Actuator moves the physical brake. Calls must be safe to repeat, but the
// controller only calls them on transitions.
type Actuator interface {
	Engage() error
	Release() error
}

// State is the part of the shared store the controller uses.
type State interface {
	Snapshot() store.Snapshot
	SetBrake(store.BrakeState)
}

// Config holds braking parameters.
type Config struct {
	Interval     time.Duration // Evaluation period
	ThresholdCM  float64       // Engage below, release at or above
	RetryBackoff time.Duration // Pause after an actuator failure
	StaleAfter   time.Duration // Warn when distance readings are older than this
}

// DefaultConfig returns a 30cm threshold evaluated every 50ms.
func DefaultConfig() Config {
	return Config{
		Interval:     50 * time.Millisecond,
		ThresholdCM:  30,
		RetryBackoff: 200 * time.Millisecond,
		StaleAfter:   time.Second,
	}
}

// Controller owns the brake actuator and the brake field of the store.
type Controller struct {
	cfg      Config
	actuator Actuator
	state    State
	logger   *slog.Logger
	faults   *log.Throttle
	stale    *log.Throttle
	now      func() time.Time

	mu         sync.Mutex
	current    store.BrakeState
	uncertain  bool // A failed engage may still have moved the brake
	engages    uint64
	releases   uint64
	retryAfter time.Time
}

// NewController creates a controller in the Disengaged state.
func NewController(cfg Config, actuator Actuator, state State, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ThresholdCM <= 0 {
		cfg.ThresholdCM = def.ThresholdCM
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &Controller{
		cfg:      cfg,
		actuator: actuator,
		state:    state,
		logger:   log.OrDefault(logger).With("component", "brake"),
		faults:   log.NewThrottle(log.DefaultThrottleInterval),
		stale:    log.NewThrottle(log.DefaultThrottleInterval),
		now:      time.Now,
		current:  store.BrakeDisengaged,
	}
}

// Run evaluates on every tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("brake controller started", "interval", c.cfg.Interval, "threshold_cm", c.cfg.ThresholdCM)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("brake controller stopped", "engages", c.engageCount(), "releases", c.releaseCount())
			return nil
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Evaluate reads the latest snapshot and commands the actuator if the
// brake state has to change. It returns the state after evaluation.
func (c *Controller) Evaluate() store.BrakeState {
	snap := c.state.Snapshot()
	c.checkStale(snap)
	return c.Step(snap.MinDistance())
}

// Step applies one distance to the state machine.
func (c *Controller) Step(minDistance float64) store.BrakeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Before(c.retryAfter) {
		return c.current
	}

	switch {
	case c.current == store.BrakeDisengaged && minDistance < c.cfg.ThresholdCM:
		if err := c.command(c.actuator.Engage); err != nil {
			c.uncertain = true
			c.fail("engage", err)
			return c.current
		}
		c.current = store.BrakeEngaged
		c.uncertain = false
		c.engages++
		c.state.SetBrake(store.BrakeEngaged)
		c.logger.Warn("emergency brake engaged", "min_distance_cm", minDistance)

	case c.current == store.BrakeEngaged && minDistance >= c.cfg.ThresholdCM:
		if err := c.command(c.actuator.Release); err != nil {
			c.fail("release", err)
			return c.current
		}
		c.current = store.BrakeDisengaged
		c.releases++
		c.state.SetBrake(store.BrakeDisengaged)
		c.logger.Info("brake released", "min_distance_cm", minDistance)

	case c.uncertain && minDistance >= c.cfg.ThresholdCM:
		// The engage failed part way; make sure the brake is really off.
		if err := c.command(c.actuator.Release); err != nil {
			c.fail("release", err)
			return c.current
		}
		c.uncertain = false
		c.releases++
		c.logger.Info("brake released after failed engage", "min_distance_cm", minDistance)
	}
	return c.current
}

// Shutdown releases the brake if it is engaged, or if a failed engage left
// its position unknown. It retries until the release succeeds or ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != store.BrakeEngaged && !c.uncertain {
		return nil
	}

	for {
		err := c.command(c.actuator.Release)
		if err == nil {
			c.current = store.BrakeDisengaged
			c.uncertain = false
			c.releases++
			c.state.SetBrake(store.BrakeDisengaged)
			c.logger.Info("brake released for shutdown")
			return nil
		}
		c.logger.Error("release on shutdown failed", "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("brake left engaged: %w", err)
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}

// Current returns the controller's brake state.
func (c *Controller) Current() store.BrakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// command invokes an actuator call, turning a panic into an error.
func (c *Controller) command(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actuator panic: %v", r)
		}
	}()
	return fn()
}

// fail must be called with mu held.
func (c *Controller) fail(action string, err error) {
	c.retryAfter = c.now().Add(c.cfg.RetryBackoff)
	if ok, n := c.faults.Hit(); ok {
		c.logger.Error("brake actuator failed", "action", action, "error", err, "total_errors", n)
	}
}

func (c *Controller) checkStale(snap store.Snapshot) {
	if c.cfg.StaleAfter <= 0 {
		return
	}
	oldest := snap.OldestDistance()
	if oldest.IsZero() {
		return
	}
	if age := c.now().Sub(oldest); age > c.cfg.StaleAfter {
		if ok, n := c.stale.Hit(); ok {
			c.logger.Warn("distance readings are stale", "age", age, "count", n)
		}
	}
}

func (c *Controller) engageCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engages
}

func (c *Controller) releaseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}
