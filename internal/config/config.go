// Package config loads go-tactile configuration from YAML and the environment.
// Flag parsing is done in cmd/tactile; this package is data only.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-tactile/pkg/ranging"
)

// Environment overrides, applied after the file is read.
const (
	EnvLogLevel = "TACTILE_LOG_LEVEL"
	EnvSim      = "TACTILE_SIM"
	EnvCamera   = "TACTILE_CAMERA"
	EnvModel    = "TACTILE_MODEL"
)

// Config holds all configuration for the controller.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Ranging    RangingConfig    `yaml:"ranging"`
	Perception PerceptionConfig `yaml:"perception"`
	Brake      BrakeConfig      `yaml:"brake"`
	Alert      AlertConfig      `yaml:"alert"`
	Simulation SimulationConfig `yaml:"simulation"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RangingConfig configures the two rangefinders. Sensors[0] feeds slot 1.
type RangingConfig struct {
	Period         time.Duration         `yaml:"period"`
	MeasureTimeout time.Duration         `yaml:"measure_timeout"`
	Sensors        []ranging.PortOptions `yaml:"sensors"`
}

type PerceptionConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	StopLabel           string        `yaml:"stop_label"`
	ForwardLabel        string        `yaml:"forward_label"`

	// Model
	ModelPath      string   `yaml:"model_path"`
	ClassNames     []string `yaml:"class_names"` // Model output order
	DetectionFloor float64  `yaml:"detection_floor"`
	NMSThreshold   float64  `yaml:"nms_threshold"`
	InputSize      int      `yaml:"input_size"`

	// Camera
	Camera      string `yaml:"camera"`
	FrameWidth  int    `yaml:"frame_width"`
	FrameHeight int    `yaml:"frame_height"`
}

type BrakeConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ThresholdCM   float64       `yaml:"threshold_cm"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	ServoPin      string        `yaml:"servo_pin"`
	EngagedAngle  float64       `yaml:"engaged_angle"`
	ReleasedAngle float64       `yaml:"released_angle"`
	Settle        time.Duration `yaml:"settle"`
}

type AlertConfig struct {
	BuzzerPin    string        `yaml:"buzzer_pin"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type SimulationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the reference configuration for a Raspberry Pi with
// two UART rangefinders, a USB camera, a servo on GPIO26 and a buzzer on GPIO18.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Ranging: RangingConfig{
			Period:         100 * time.Millisecond,
			MeasureTimeout: 40 * time.Millisecond,
			Sensors: []ranging.PortOptions{
				{Path: "/dev/ttyAMA0", BaudRate: 9600},
				{Path: "/dev/ttyAMA1", BaudRate: 9600},
			},
		},
		Perception: PerceptionConfig{
			Interval:            time.Second,
			ConfidenceThreshold: 0.5,
			StopLabel:           "선형블럭",
			ForwardLabel:        "점자블럭",
			ModelPath:           "models/best2.onnx",
			ClassNames:          []string{"점자블럭", "선형블럭"},
			DetectionFloor:      0.25,
			NMSThreshold:        0.45,
			InputSize:           640,
			Camera:              "0",
			FrameWidth:          640,
			FrameHeight:         480,
		},
		Brake: BrakeConfig{
			Interval:      50 * time.Millisecond,
			ThresholdCM:   30,
			RetryBackoff:  200 * time.Millisecond,
			StaleAfter:    time.Second,
			ServoPin:      "GPIO26",
			EngagedAngle:  90,
			ReleasedAngle: 0,
			Settle:        300 * time.Millisecond,
		},
		Alert: AlertConfig{
			BuzzerPin:    "GPIO18",
			RetryBackoff: 200 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnv applies environment overrides.
func (c *Config) LoadEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvSim); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSim, err)
		}
		c.Simulation.Enabled = on
	}
	if v := os.Getenv(EnvCamera); v != "" {
		c.Perception.Camera = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Perception.ModelPath = v
	}
	return nil
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &FieldError{Field: field, Message: msg})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be a positive duration")
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	positive("ranging.period", c.Ranging.Period)
	positive("ranging.measure_timeout", c.Ranging.MeasureTimeout)
	if c.Ranging.MeasureTimeout > c.Ranging.Period {
		add("ranging.measure_timeout", "must not exceed ranging.period")
	}
	if !c.Simulation.Enabled {
		if len(c.Ranging.Sensors) != 2 {
			add("ranging.sensors", fmt.Sprintf("need exactly 2 rangefinders, got %d", len(c.Ranging.Sensors)))
		}
		for i, s := range c.Ranging.Sensors {
			if _, err := s.Normalize(); err != nil {
				add(fmt.Sprintf("ranging.sensors[%d]", i), err.Error())
			}
		}
	}

	p := c.Perception
	positive("perception.interval", p.Interval)
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		add("perception.confidence_threshold", "must be within [0, 1]")
	}
	if p.StopLabel == "" || p.ForwardLabel == "" {
		add("perception.labels", "stop_label and forward_label are required")
	}
	if p.StopLabel == p.ForwardLabel {
		add("perception.labels", "stop_label and forward_label must differ")
	}
	if len(p.ClassNames) == 0 {
		add("perception.class_names", "must list the model classes in output order")
	} else {
		for _, label := range []string{p.StopLabel, p.ForwardLabel} {
			if label != "" && !slices.Contains(p.ClassNames, label) {
				add("perception.class_names", fmt.Sprintf("label %q is not a model class", label))
			}
		}
	}
	if p.InputSize <= 0 {
		add("perception.input_size", "must be positive")
	}
	if p.FrameWidth <= 0 || p.FrameHeight <= 0 {
		add("perception.frame_size", "frame_width and frame_height must be positive")
	}
	if !c.Simulation.Enabled && p.ModelPath == "" {
		add("perception.model_path", "is required")
	}

	b := c.Brake
	positive("brake.interval", b.Interval)
	positive("brake.retry_backoff", b.RetryBackoff)
	positive("brake.stale_after", b.StaleAfter)
	if b.ThresholdCM <= 0 {
		add("brake.threshold_cm", "must be positive")
	}
	if b.EngagedAngle < 0 || b.EngagedAngle > 180 {
		add("brake.engaged_angle", "must be within [0, 180]")
	}
	if b.ReleasedAngle < 0 || b.ReleasedAngle > 180 {
		add("brake.released_angle", "must be within [0, 180]")
	}
	if !c.Simulation.Enabled && b.ServoPin == "" {
		add("brake.servo_pin", "is required")
	}

	positive("alert.retry_backoff", c.Alert.RetryBackoff)
	if !c.Simulation.Enabled && c.Alert.BuzzerPin == "" {
		add("alert.buzzer_pin", "is required")
	}

	return errors.Join(errs...)
}

// FieldError is a single validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}
