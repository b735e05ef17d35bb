package pwm

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// ServoConfig describes the brake servo.
type ServoConfig struct {
	Pin           string        // GPIO name, e.g. "GPIO26"
	EngagedAngle  float64       // Degrees when braking
	ReleasedAngle float64       // Degrees when free
	Settle        time.Duration // Time to hold the pulse before going idle
}

// DefaultServoConfig returns 90° engaged, 0° released on GPIO26.
func DefaultServoConfig() ServoConfig {
	return ServoConfig{
		Pin:           "GPIO26",
		EngagedAngle:  90,
		ReleasedAngle: 0,
		Settle:        300 * time.Millisecond,
	}
}

const servoFrequency = 50 * physic.Hertz

// Servo is a hobby servo used as the brake actuator.
type Servo struct {
	cfg ServoConfig
	pin Pin
	mu  sync.Mutex
}

// NewServo wraps an opened pin.
func NewServo(cfg ServoConfig, pin Pin) *Servo {
	return &Servo{cfg: cfg, pin: pin}
}

// OpenServo opens the configured pin.
func OpenServo(cfg ServoConfig) (*Servo, error) {
	pin, err := OpenPin(cfg.Pin)
	if err != nil {
		return nil, err
	}
	return NewServo(cfg, pin), nil
}

// ServoDuty returns the duty cycle percentage for an angle: 2% at 0°,
// 12% at 180°.
func ServoDuty(angle float64) float64 {
	return 2 + angle/18
}

// Engage moves the servo to the braking angle.
func (s *Servo) Engage() error { return s.moveTo(s.cfg.EngagedAngle) }

// Release moves the servo to the free angle.
func (s *Servo) Release() error { return s.moveTo(s.cfg.ReleasedAngle) }

// moveTo drives the pulse long enough for the horn to arrive, then stops
// pulsing so the servo does not jitter while holding.
func (s *Servo) moveTo(angle float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pin.PWM(dutyPercent(ServoDuty(angle)), servoFrequency); err != nil {
		return fmt.Errorf("servo %s to %.0f°: %w", s.pin, angle, err)
	}
	time.Sleep(s.cfg.Settle)
	if err := s.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("servo %s idle: %w", s.pin, err)
	}
	return nil
}

// Close parks the pin low.
func (s *Servo) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin.Out(gpio.Low)
}
