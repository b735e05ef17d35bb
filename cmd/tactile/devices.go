package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-tactile/internal/config"
	"github.com/teslashibe/go-tactile/pkg/alert"
	"github.com/teslashibe/go-tactile/pkg/brake"
	"github.com/teslashibe/go-tactile/pkg/navigator"
	"github.com/teslashibe/go-tactile/pkg/perception"
	"github.com/teslashibe/go-tactile/pkg/perception/vision"
	"github.com/teslashibe/go-tactile/pkg/pwm"
	"github.com/teslashibe/go-tactile/pkg/ranging"
)

// shutdownGrace is how long the final brake release may retry.
const shutdownGrace = 2 * time.Second

// navigatorConfig maps the file configuration onto task cadences.
func navigatorConfig(cfg config.Config) navigator.Config {
	nc := navigator.DefaultConfig()
	nc.Ranging = ranging.Config{
		Period:         cfg.Ranging.Period,
		MeasureTimeout: cfg.Ranging.MeasureTimeout,
	}
	nc.Perception = perception.Config{
		Interval: cfg.Perception.Interval,
		Policy: perception.Policy{
			Threshold:    cfg.Perception.ConfidenceThreshold,
			StopLabel:    cfg.Perception.StopLabel,
			ForwardLabel: cfg.Perception.ForwardLabel,
		},
	}
	nc.Brake = brake.Config{
		Interval:     cfg.Brake.Interval,
		ThresholdCM:  cfg.Brake.ThresholdCM,
		RetryBackoff: cfg.Brake.RetryBackoff,
		StaleAfter:   cfg.Brake.StaleAfter,
	}
	nc.Alert.RetryBackoff = cfg.Alert.RetryBackoff
	nc.ShutdownTimeout = shutdownGrace
	return nc
}

// openDevices acquires every collaborator. Anything opened before a
// failure is closed again.
func openDevices(cfg config.Config, logger *slog.Logger) (navigator.Collaborators, error) {
	if cfg.Simulation.Enabled {
		return simDevices(cfg, logger), nil
	}

	var (
		devs   navigator.Collaborators
		opened []io.Closer
	)
	fail := func(err error) (navigator.Collaborators, error) {
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Close()
		}
		return navigator.Collaborators{}, err
	}

	for i, opts := range cfg.Ranging.Sensors {
		rf, err := ranging.OpenSerial(opts)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, rf)
		devs.Rangefinders[i] = rf
		logger.Info("rangefinder ready", "slot", i+1, "port", opts.Path)
	}

	cam, err := vision.OpenCamera(vision.CameraConfig{
		Device:      cfg.Perception.Camera,
		Width:       cfg.Perception.FrameWidth,
		Height:      cfg.Perception.FrameHeight,
		FrameWidth:  cfg.Perception.FrameWidth,
		FrameHeight: cfg.Perception.FrameHeight,
	}, logger)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, cam)
	devs.Camera = cam

	yolo, err := vision.NewYOLO(vision.YOLOConfig{
		ModelPath:        cfg.Perception.ModelPath,
		ClassNames:       cfg.Perception.ClassNames,
		ConfidenceThresh: float32(cfg.Perception.DetectionFloor),
		NMSThresh:        float32(cfg.Perception.NMSThreshold),
		InputWidth:       cfg.Perception.InputSize,
		InputHeight:      cfg.Perception.InputSize,
	})
	if err != nil {
		return fail(err)
	}
	opened = append(opened, yolo)
	devs.Classifier = yolo
	logger.Info("classifier loaded", "model", cfg.Perception.ModelPath)

	servo, err := pwm.OpenServo(pwm.ServoConfig{
		Pin:           cfg.Brake.ServoPin,
		EngagedAngle:  cfg.Brake.EngagedAngle,
		ReleasedAngle: cfg.Brake.ReleasedAngle,
		Settle:        cfg.Brake.Settle,
	})
	if err != nil {
		return fail(err)
	}
	opened = append(opened, servo)
	devs.Brake = servo

	buzzer, err := pwm.OpenBuzzer(cfg.Alert.BuzzerPin)
	if err != nil {
		return fail(err)
	}
	devs.Alert = buzzer

	return devs, nil
}

// simDevices replays an obstacle approaching and receding on the first
// sensor while the second never echoes, and cycles the classifier through
// no marking, a tactile block and a linear block.
func simDevices(cfg config.Config, logger *slog.Logger) navigator.Collaborators {
	var approach []ranging.MockResult
	for _, cm := range []float64{180, 140, 95, 65, 40, 25, 15, 25, 45, 80, 130, 180} {
		// Hold each distance for about half a second.
		for range 5 {
			approach = append(approach, ranging.MockResult{CM: cm})
		}
	}

	classifier := perception.NewMockClassifier(
		perception.MockResult{},
		perception.MockResult{Detections: []perception.Detection{{Label: cfg.Perception.ForwardLabel, Confidence: 0.82}}},
		perception.MockResult{Detections: []perception.Detection{{Label: cfg.Perception.StopLabel, Confidence: 0.91}}},
		perception.MockResult{Detections: []perception.Detection{{Label: cfg.Perception.StopLabel, Confidence: 0.31}}},
	)

	buzzer := alert.NewMockActuator(logger.With("component", "sim-buzzer"))
	buzzer.Realtime = true

	return navigator.Collaborators{
		Rangefinders: [2]ranging.Rangefinder{
			ranging.NewMockRangefinder(approach...),
			ranging.NewMockRangefinder(ranging.MockResult{Err: ranging.ErrTimeout}),
		},
		Camera:     perception.NewStaticCamera([]byte("sim-frame")),
		Classifier: classifier,
		Brake:      brake.NewMockActuator(logger.With("component", "sim-servo")),
		Alert:      buzzer,
	}
}

// closeDevices releases collaborators when the navigator could not start.
func closeDevices(devs navigator.Collaborators) {
	for _, v := range []any{devs.Rangefinders[0], devs.Rangefinders[1], devs.Camera, devs.Classifier, devs.Brake, devs.Alert} {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				fmt.Printf("⚠️  close: %v\n", err)
			}
		}
	}
}
