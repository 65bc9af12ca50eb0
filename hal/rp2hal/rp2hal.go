//go:build rp2040 || rp2350

// Package rp2hal adapts the hal package's interfaces to TinyGo's RP2040/
// RP2350 machine package: a GPIO pin with a real interrupt for the bus
// line, and the project's DMA-backed single-wire UART driver for framed
// send/receive.
package rp2hal

import (
	"context"
	"machine"
	"sync/atomic"

	"github.com/jangala-dev/tinygo-uartx/uartx"

	"jacdac/hal"
)

// Pin adapts a machine.Pin to hal.IRQPin using the RP2's native interrupt
// controller — no goroutine polling loop needed, unlike the Linux adapter.
type Pin struct {
	p machine.Pin
}

// OpenPin configures GPIO number n as a pulled-up input ready for IRQ use.
func OpenPin(n int) *Pin {
	p := machine.Pin(n)
	p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return &Pin{p: p}
}

func (r *Pin) Get() bool { return r.p.Get() }

// DriveLow reconfigures the pin as an output and drives it low.
func (r *Pin) DriveLow() {
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Low()
}

// Release reconfigures the pin back to a pulled-up input, letting the
// bus's pull-up restore the idle-high level.
func (r *Pin) Release() {
	r.p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
}

func toPinChange(e hal.Edge) machine.PinChange {
	switch e {
	case hal.EdgeRising:
		return machine.PinRising
	case hal.EdgeFalling:
		return machine.PinFalling
	case hal.EdgeBoth:
		return machine.PinToggle
	default:
		var zero machine.PinChange
		return zero
	}
}

func (r *Pin) SetIRQ(edge hal.Edge, handler func()) error {
	return r.p.SetInterrupt(toPinChange(edge), func(machine.Pin) { handler() })
}

func (r *Pin) ClearIRQ() error {
	var zero machine.PinChange
	return r.p.SetInterrupt(zero, nil)
}

// UART wraps a DMA-backed single-wire uartx.UART.
type UART struct{ u *uartx.UART }

// OpenUART configures u for single-wire, half-duplex operation at the bus's
// default baud and returns the hal.UARTPort adapter.
func OpenUART(u *uartx.UART) (*UART, error) {
	if err := u.Configure(uartx.UARTConfig{BaudRate: 125_000}); err != nil {
		return nil, err
	}
	return &UART{u: u}, nil
}

func (r *UART) WriteByte(b byte) error      { return r.u.WriteByte(b) }
func (r *UART) Write(p []byte) (int, error) { return r.u.Write(p) }
func (r *UART) Buffered() int               { return r.u.Buffered() }
func (r *UART) Read(p []byte) (int, error)  { return r.u.Read(p) }
func (r *UART) Readable() <-chan struct{}   { return r.u.Readable() }
func (r *UART) RecvSomeContext(ctx context.Context, p []byte) (int, error) {
	return r.u.RecvSomeContext(ctx, p)
}
func (r *UART) SetBaudRate(bps uint32) error {
	r.u.SetBaudRate(bps)
	return nil
}

// Timer is a free-running microsecond timer backed by the RP2's hardware
// timer peripheral. Each ArmAfter is served by a goroutine polling
// GetSystemTimer until the deadline; a later ArmAfter or Cancel retires it.
type Timer struct {
	armed chan struct{}
	gen   atomic.Uint32
}

// NewTimer returns a timer reading machine.GetSystemTimer, the RP2's
// free-running 1 MHz counter — already in the microsecond units the line
// driver needs, unlike the host's time.Since-derived approximation.
func NewTimer() *Timer {
	return &Timer{armed: make(chan struct{}, 1)}
}

func (t *Timer) NowUs() uint64 { return machine.GetSystemTimer() }

func (t *Timer) ArmAfter(us int) <-chan struct{} {
	ch := make(chan struct{}, 1)
	target := t.NowUs() + uint64(us)
	g := t.gen.Add(1)
	go func() {
		for t.NowUs() < target {
			if t.gen.Load() != g {
				return
			}
		}
		if t.gen.Load() != g {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}()
	return ch
}

func (t *Timer) Cancel() { t.gen.Add(1) }
