// Package navigator wires the sensing tasks and the actuator controllers
// around one readings store and owns their lifecycle.
//
// Ranging and perception publish into the store at their own cadence. The
// brake and alert controllers each read the latest snapshot on their own
// loop, so a stalled producer only makes readings older, never blocks
// actuation. On shutdown every task is cancelled and awaited, the brake is
// released if engaged, and collaborators that hold devices are closed.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/alert"
	"github.com/teslashibe/go-tactile/pkg/brake"
	"github.com/teslashibe/go-tactile/pkg/perception"
	"github.com/teslashibe/go-tactile/pkg/ranging"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// Config holds the cadences of every task.
type Config struct {
	Ranging    ranging.Config
	Perception perception.Config
	Brake      brake.Config
	Alert      alert.Config

	// ShutdownTimeout bounds how long the final brake release may retry.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the reference cadences.
func DefaultConfig() Config {
	return Config{
		Ranging:         ranging.DefaultConfig(),
		Perception:      perception.DefaultConfig(),
		Brake:           brake.DefaultConfig(),
		Alert:           alert.DefaultConfig(),
		ShutdownTimeout: 2 * time.Second,
	}
}

// Collaborators are the external devices the navigator drives.
// Any collaborator implementing io.Closer is closed on shutdown.
type Collaborators struct {
	Rangefinders [2]ranging.Rangefinder
	Camera       perception.Camera
	Classifier   perception.Classifier
	Brake        brake.Actuator
	Alert        alert.Actuator
}

func (c Collaborators) validate() error {
	var missing []string
	if c.Rangefinders[0] == nil || c.Rangefinders[1] == nil {
		missing = append(missing, "rangefinders")
	}
	if c.Camera == nil {
		missing = append(missing, "camera")
	}
	if c.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if c.Brake == nil {
		missing = append(missing, "brake actuator")
	}
	if c.Alert == nil {
		missing = append(missing, "alert actuator")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCollaborator, missing)
	}
	return nil
}

// ErrMissingCollaborator is returned by New when a device was not supplied.
var ErrMissingCollaborator = errors.New("missing collaborator")

// runner is implemented by collaborators with their own capture loop,
// such as a camera that keeps the latest frame.
type runner interface {
	Run(ctx context.Context) error
}

// Navigator is the coordinator.
type Navigator struct {
	cfg    Config
	devs   Collaborators
	store  *store.Store
	runID  string
	logger *slog.Logger

	ranging    *ranging.Task
	perception *perception.Task
	brake      *brake.Controller
	alert      *alert.Controller
}

// New builds every task over a fresh store.
func New(cfg Config, devs Collaborators, logger *slog.Logger) (*Navigator, error) {
	if err := devs.validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger = log.OrDefault(logger).With("run_id", runID)
	s := store.New()

	return &Navigator{
		cfg:        cfg,
		devs:       devs,
		store:      s,
		runID:      runID,
		logger:     logger.With("component", "navigator"),
		ranging:    ranging.NewTask(cfg.Ranging, s, devs.Rangefinders[0], devs.Rangefinders[1], logger),
		perception: perception.NewTask(cfg.Perception, devs.Camera, devs.Classifier, s, logger),
		brake:      brake.NewController(cfg.Brake, devs.Brake, s, logger),
		alert:      alert.NewController(cfg.Alert, devs.Alert, s, logger),
	}, nil
}

// Store returns the shared readings store.
func (n *Navigator) Store() *store.Store { return n.store }

// RunID identifies this process run in every log line.
func (n *Navigator) RunID() string { return n.runID }

// Run starts every task and blocks until ctx is cancelled. It then performs
// the shutdown sequence and returns any error from it.
func (n *Navigator) Run(ctx context.Context) error {
	n.logger.Info("tactile navigator started",
		"ranging_period", n.cfg.Ranging.Period,
		"inference_interval", n.cfg.Perception.Interval,
		"brake_threshold_cm", n.cfg.Brake.ThresholdCM,
	)

	g, gctx := errgroup.WithContext(ctx)
	if cam, ok := n.devs.Camera.(runner); ok {
		g.Go(func() error {
			if err := cam.Run(gctx); err != nil {
				// Perception publishes None while the camera is down; keep the rest running.
				n.logger.Error("camera stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error { return n.ranging.Run(gctx) })
	g.Go(func() error { return n.perception.Run(gctx) })
	g.Go(func() error { return n.brake.Run(gctx) })
	g.Go(func() error { return n.alert.Run(gctx) })

	runErr := g.Wait()
	err := errors.Join(runErr, n.shutdown())

	stats := n.ranging.Stats()
	n.logger.Info("tactile navigator stopped",
		"ranging_cycles", stats.Cycles,
		"ranging_timeouts", stats.Timeouts,
		"inference_failures", n.perception.Failures(),
		"inference_overruns", n.perception.Overruns(),
	)
	return err
}

// shutdown runs after every task has returned.
func (n *Navigator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := n.brake.Shutdown(ctx); err != nil {
		n.logger.Error("brake release on shutdown failed", "error", err)
		errs = append(errs, err)
	}

	for _, c := range n.closers() {
		if err := c.Close(); err != nil {
			n.logger.Warn("close collaborator", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Navigator) closers() []io.Closer {
	var out []io.Closer
	for _, v := range []any{
		n.devs.Rangefinders[0],
		n.devs.Rangefinders[1],
		n.devs.Camera,
		n.devs.Classifier,
		n.devs.Brake,
		n.devs.Alert,
	} {
		if c, ok := v.(io.Closer); ok {
			out = append(out, c)
		}
	}
	return out
}
