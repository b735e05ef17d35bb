package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// Actuator plays a tone. Sound blocks for the tone duration or until ctx ends.
type Actuator interface {
	Sound(ctx context.Context, frequencyHz int, d time.Duration) error
}

// Reader provides the latest shared readings.
type Reader interface {
	Snapshot() store.Snapshot
}

// Config holds alert parameters.
type Config struct {
	Policy       Policy
	RetryBackoff time.Duration // Pause after an actuator failure
}

// DefaultConfig returns the reference policy with a 200ms retry backoff.
func DefaultConfig() Config {
	return Config{
		Policy:       DefaultPolicy(),
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Controller owns the alert actuator. Each cycle it emits at most one tone,
// then idles for the pattern's duration.
type Controller struct {
	cfg      Config
	actuator Actuator
	reader   Reader
	logger   *slog.Logger
	faults   *log.Throttle

	last     atomic.Value // Pattern
	tones    atomic.Uint64
	errCount atomic.Uint64
}

// NewController creates an alert controller.
func NewController(cfg Config, actuator Actuator, reader Reader, logger *slog.Logger) *Controller {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.Policy.Stop == (Pattern{}) && len(cfg.Policy.Bands) == 0 {
		cfg.Policy = DefaultPolicy()
	}
	return &Controller{
		cfg:      cfg,
		actuator: actuator,
		reader:   reader,
		logger:   log.OrDefault(logger).With("component", "alert"),
		faults:   log.NewThrottle(log.DefaultThrottleInterval),
	}
}

// Run cycles until ctx is cancelled. It never gives up on actuator errors.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("alert controller started")
	for ctx.Err() == nil {
		c.Cycle(ctx)
	}
	c.logger.Info("alert controller stopped", "tones", c.tones.Load(), "errors", c.errCount.Load())
	return nil
}

// Cycle selects a pattern, plays it and idles. It returns the pattern chosen.
func (c *Controller) Cycle(ctx context.Context) Pattern {
	p := c.cfg.Policy.Select(c.reader.Snapshot())
	if prev, _ := c.last.Load().(Pattern); prev.Name != p.Name {
		c.logger.Debug("alert pattern changed", "from", prev.Name, "to", p)
	}
	c.last.Store(p)

	if !p.Silent() {
		if err := c.sound(ctx, p); err != nil {
			if ctx.Err() != nil {
				return p
			}
			c.errCount.Add(1)
			if ok, n := c.faults.Hit(); ok {
				c.logger.Warn("alert actuator failed", "pattern", p.Name, "error", err, "total_errors", n)
			}
			sleep(ctx, c.cfg.RetryBackoff)
			return p
		}
		c.tones.Add(1)
	}

	sleep(ctx, p.Idle)
	return p
}

// Last returns the most recently selected pattern.
func (c *Controller) Last() (Pattern, bool) {
	p, ok := c.last.Load().(Pattern)
	return p, ok
}

func (c *Controller) sound(ctx context.Context, p Pattern) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actuator panic: %v", r)
		}
	}()
	return c.actuator.Sound(ctx, p.FrequencyHz, p.Tone)
}

// sleep waits for d or until ctx ends. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
