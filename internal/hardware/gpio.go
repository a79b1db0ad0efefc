package hardware

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	host "periph.io/x/host/v3"
)

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

// GPIOPin is a [Pin] backed by a periph.io GPIO line with the internal pull-up
// enabled. The button shorts the line to ground, so low means pressed unless
// ActiveHigh is set.
type GPIOPin struct {
	pin        gpio.PinIO
	activeHigh bool
}

// OpenGPIOPin initialises the periph host drivers once and configures the named
// pin (e.g. "GPIO17") as an input.
func OpenGPIOPin(name string, activeHigh bool) (*GPIOPin, error) {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("hardware: init periph host: %w", hostInitErr)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hardware: gpio pin %q not found", name)
	}
	pull := gpio.PullUp
	if activeHigh {
		pull = gpio.PullDown
	}
	if err := p.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("hardware: configure gpio pin %q: %w", name, err)
	}
	return &GPIOPin{pin: p, activeHigh: activeHigh}, nil
}

// Read implements [Pin].
func (g *GPIOPin) Read() (bool, error) {
	level := g.pin.Read()
	if g.activeHigh {
		return level == gpio.High, nil
	}
	return level == gpio.Low, nil
}
