package pwm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Buzzer plays square-wave tones on a passive piezo buzzer.
type Buzzer struct {
	pin Pin
	mu  sync.Mutex
}

// NewBuzzer wraps an opened pin.
func NewBuzzer(pin Pin) *Buzzer {
	return &Buzzer{pin: pin}
}

// OpenBuzzer opens the named pin, e.g. "GPIO18".
func OpenBuzzer(name string) (*Buzzer, error) {
	pin, err := OpenPin(name)
	if err != nil {
		return nil, err
	}
	return NewBuzzer(pin), nil
}

// Sound plays frequencyHz at 50% duty for d, or until ctx ends.
func (b *Buzzer) Sound(ctx context.Context, frequencyHz int, d time.Duration) error {
	if frequencyHz <= 0 {
		return fmt.Errorf("invalid tone frequency %d", frequencyHz)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pin.PWM(gpio.DutyHalf, physic.Frequency(frequencyHz)*physic.Hertz); err != nil {
		return fmt.Errorf("buzzer %s: %w", b.pin, err)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}

	if err := b.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("buzzer %s off: %w", b.pin, err)
	}
	return nil
}

// Close silences the buzzer.
func (b *Buzzer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pin.Out(gpio.Low)
}
