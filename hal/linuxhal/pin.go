//go:build linux && !tinygo

// Package linuxhal adapts the hal package's interfaces to a real Linux
// host: the bus line is a periph.io GPIO pin with edge-watch support, the
// UART is a termios2-configured serial device opened through raw syscalls
// for the custom, non-standard baud rates the bus's four baud codes need.
package linuxhal

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"jacdac/hal"
)

// Pin adapts a periph.io gpio.PinIO to hal.IRQPin, watching edges on a
// dedicated goroutine the way the project's other periph.io-backed drivers
// do, rather than relying on a true hardware ISR.
type Pin struct {
	pin       gpio.PinIO
	stop      chan struct{}
	armedEdge gpio.Edge
}

// OpenPin initializes the periph.io host (idempotent) and opens the named
// GPIO line, e.g. "GPIO17" for BCM pin 17 on a Raspberry Pi.
func OpenPin(name string) (*Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("linuxhal: periph.io host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("linuxhal: no such GPIO pin %q", name)
	}
	return &Pin{pin: p}, nil
}

func (p *Pin) Get() bool { return p.pin.Read() == gpio.High }

// DriveLow switches the pin to output and pulls it low, driving the
// start-of-frame pulse.
func (p *Pin) DriveLow() { _ = p.pin.Out(gpio.Low) }

// Release floats the pin back to input-with-pull-up, letting the bus's
// external pull-up restore the idle-high level. Edge watching, if armed,
// is left configured so the release-to-Receiving transition isn't missed.
func (p *Pin) Release() { _ = p.pin.In(gpio.PullUp, p.armedEdge) }

func toGpioEdge(e hal.Edge) gpio.Edge {
	switch e {
	case hal.EdgeRising:
		return gpio.RisingEdge
	case hal.EdgeFalling:
		return gpio.FallingEdge
	case hal.EdgeBoth:
		return gpio.BothEdges
	default:
		return gpio.NoEdge
	}
}

// SetIRQ arms edge-watching via periph.io's WaitForEdge, calling handler
// from a dedicated goroutine for each edge observed. handler must not block.
func (p *Pin) SetIRQ(edge hal.Edge, handler func()) error {
	if err := p.ClearIRQ(); err != nil {
		return err
	}
	gEdge := toGpioEdge(edge)
	if err := p.pin.In(gpio.PullUp, gEdge); err != nil {
		return fmt.Errorf("linuxhal: configure edge watch: %w", err)
	}
	p.armedEdge = gEdge

	stop := make(chan struct{})
	p.stop = stop
	go func() {
		for {
			if p.pin.WaitForEdge(-1) {
				select {
				case <-stop:
					return
				default:
					handler()
				}
			} else {
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *Pin) ClearIRQ() error {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.armedEdge = gpio.NoEdge
	return p.pin.In(gpio.PullUp, gpio.NoEdge)
}
