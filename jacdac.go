// Package jacdac assembles the line driver, control service and event bus
// into a single owned value applications construct, rather than reaching
// for package-level global state. Concrete services, the fiber scheduler
// and application glue remain external collaborators reached only
// through the Service interface.
package jacdac

import (
	"jacdac/control"
	"jacdac/eventbus"
	"jacdac/hal"
	"jacdac/linedriver"
	"jacdac/packet"
)

// Re-exported so callers need only import this package for the common path.
type (
	Packet    = packet.Packet
	Service   = control.Service
	EnumState = control.EnumState
)

// State is the bus core's externally observable status: the physical
// line's phase plus the local node's enumeration phase.
type State struct {
	Line        linedriver.State
	Enumeration control.EnumState
}

// Diagnostics aggregates the line driver's frame-level counters with the
// control service's CRC-drop counter, mirroring the original
// implementation's single JDDiagnostics struct.
type Diagnostics struct {
	linedriver.Diagnostics
	CRCDrops uint32
}

// Options configures a Core at construction time.
type Options struct {
	// EventQueueLen bounds each event-bus subscriber's channel. Zero uses
	// the event bus's own default.
	EventQueueLen int
}

// Core is the bus core: one line driver, one control service, and an
// event bus application code may observe. Construct once per bus; pass it
// to services explicitly at registration time.
type Core struct {
	driver  *linedriver.Driver
	control *control.Control
	eb      *eventbus.EventBus
}

// New returns a Core over the given HAL capabilities. It does not start
// listening until Start is called.
func New(l hal.IRQPin, u hal.UARTPort, t hal.Timer, opts Options) *Core {
	eb := eventbus.New(opts.EventQueueLen)
	driver := linedriver.New(l, u, t)
	return &Core{
		driver:  driver,
		control: control.New(driver, eb),
		eb:      eb,
	}
}

// Start acquires the line and begins listening for pulses and dispatching
// received packets.
func (c *Core) Start() error {
	c.driver.Start()
	c.control.Start()
	return nil
}

// Stop releases the line and stops the control dispatch loop.
func (c *Core) Stop() {
	c.control.Stop()
	c.driver.Stop()
}

// Send enqueues pkt for transmission; see linedriver.Driver.Send.
func (c *Core) Send(pkt Packet) error { return c.driver.Send(&pkt) }

// GetPacket pops one received packet, bypassing service routing — intended
// for diagnostics and tests, not the normal application path (which
// registers Service implementations with Enumerate instead).
func (c *Core) GetPacket() (Packet, bool) {
	pkt, ok := c.driver.GetPacket()
	if !ok {
		return Packet{}, false
	}
	return *pkt, true
}

// Enumerate registers services and, if any is a Host or BroadcastHost,
// begins proposing a local device address.
func (c *Core) Enumerate(services ...Service) error { return c.control.Enumerate(services...) }

// Control exposes the control service directly, for Host/BroadcastHost
// services that need their own confirmed device record to sign a
// self-addressed report — HostConnected fires before any per-service send
// hook could supply it another way.
func (c *Core) Control() *control.Control { return c.control }

// Disconnect stops enumerating and notifies local Host/BroadcastHost
// services that their host has gone away.
func (c *Core) Disconnect() { c.control.Disconnect() }

// SetDeviceName sets the name this node advertises on its next tick.
func (c *Core) SetDeviceName(name string) error {
	c.control.SetName(name)
	return nil
}

// SetMaximumBaud bounds the pulse rate the line driver accepts and
// transmits at.
func (c *Core) SetMaximumBaud(rate packet.BaudCode) error { return c.driver.SetMaximumBaud(rate) }

func (c *Core) GetState() State {
	return State{Line: c.driver.GetState(), Enumeration: c.control.GetState()}
}

func (c *Core) GetDiagnostics() Diagnostics {
	return Diagnostics{
		Diagnostics: c.driver.GetDiagnostics(),
		CRCDrops:    c.control.GetDiagnostics().CRCDrops,
	}
}

// Events returns an Observer the caller can subscribe on for device
// connect/disconnect, enumeration reaching Enumerated and identify
// requests, then Close when done. Line errors are not published; see
// GetDiagnostics. The core never blocks on it.
func (c *Core) Events() *eventbus.Observer { return c.eb.NewObserver() }
