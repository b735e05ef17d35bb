// Package pwm drives the brake servo and the buzzer from GPIO pins.
package pwm

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Pin is the subset of gpio.PinIO used here.
type Pin interface {
	Out(l gpio.Level) error
	PWM(duty gpio.Duty, f physic.Frequency) error
	String() string
}

var (
	initOnce sync.Once
	initErr  error
)

// OpenPin initializes the host drivers once and looks up a pin by name,
// for example "GPIO18".
func OpenPin(name string) (gpio.PinIO, error) {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("init gpio host: %w", initErr)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return p, nil
}

// dutyPercent converts a percentage to a gpio.Duty.
func dutyPercent(pct float64) gpio.Duty {
	if pct <= 0 {
		return 0
	}
	if pct >= 100 {
		return gpio.DutyMax
	}
	return gpio.Duty(float64(gpio.DutyMax) * pct / 100)
}
