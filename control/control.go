// Package control implements the control service: local device
// enumeration with address-collision resolution, advertisement parsing,
// routing of inbound packets to registered services (including broadcast
// mapping), and remote-device liveness tracking via devicemgr.
package control

import (
	"math/rand"
	"sync"
	"time"

	"jacdac/devicemgr"
	"jacdac/errcode"
	"jacdac/eventbus"
	"jacdac/linedriver"
	"jacdac/packet"
)

// EnumState is the local node's enumeration phase.
type EnumState int

const (
	NotEnumerating EnumState = iota
	Proposing
	Enumerated
	EnumeratingBusLow
)

func (s EnumState) String() string {
	switch s {
	case NotEnumerating:
		return "not_enumerating"
	case Proposing:
		return "proposing"
	case Enumerated:
		return "enumerated"
	case EnumeratingBusLow:
		return "enumerating_bus_low"
	default:
		return "unknown"
	}
}

// confirmTicks is the number of tick periods a proposal survives
// unchallenged before it is considered confirmed — spec.md's "six ticks".
const confirmTicks = 6

// TickInterval is the control service's scheduling period: it drives
// enumeration advertisements and device ageing, half a second apart.
const TickInterval = 500 * time.Millisecond

// Diagnostics aggregates the control layer's own counters, alongside the
// line driver's — the CRC-drop count spec.md assigns here rather than to
// the line driver, since only this layer knows the addressed identifier.
type Diagnostics struct {
	CRCDrops uint32
}

// Control is the control service: one per Core, driving enumeration and
// packet routing on its own goroutine.
type Control struct {
	driver  *linedriver.Driver
	devices *devicemgr.Manager
	eb      *eventbus.EventBus

	mu         sync.Mutex
	state      EnumState
	preBusLow  EnumState // state to resume once EnumeratingBusLow clears
	local      *devicemgr.Device
	proposal   byte // proposal confirmation tick count
	name       string
	services   []Service
	diag       Diagnostics
	rng        *rand.Rand

	tickInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a control service over driver, publishing onto eb (may be
// nil to disable events).
func New(driver *linedriver.Driver, eb *eventbus.EventBus) *Control {
	return &Control{
		driver:       driver,
		devices:      devicemgr.New(),
		eb:           eb,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		tickInterval: TickInterval,
	}
}

// SetTickInterval overrides the half-second default, for tests that want
// enumeration's six-tick confirmation window to run in under a second.
// Call it before Start.
func (c *Control) SetTickInterval(d time.Duration) {
	c.mu.Lock()
	c.tickInterval = d
	c.mu.Unlock()
}

// Devices exposes the remote-device manager for diagnostics and tests.
func (c *Control) Devices() *devicemgr.Manager { return c.devices }

func (c *Control) GetState() EnumState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) GetDiagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag
}

// LocalDevice returns the local node's device record, or nil before the
// first call to Enumerate.
func (c *Control) LocalDevice() *devicemgr.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Control) publish(topic eventbus.Topic, payload any, retained bool) {
	if c.eb == nil {
		return
	}
	c.eb.Publish(c.eb.NewMessage(topic, payload, retained))
}

// Enumerate registers services and, if at least one Host or BroadcastHost
// service is among them, begins proposing a device address. Service
// numbers are assigned densely starting at zero in table order: the
// control service itself occupies 0, the configuration service is pinned
// to the well-known number 1, the RNG service follows at 2, then the
// caller's services in the order given.
func (c *Control) Enumerate(services ...Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != NotEnumerating {
		return errcode.InvalidState
	}

	cfg := NewConfigurationService()
	rng := NewRNGService()
	table := append([]Service{&controlLayerSentinel{}, cfg, rng}, services...)
	for i, svc := range table {
		svc.SetServiceNumber(byte(i))
	}

	hasHost := false
	for _, svc := range services {
		if svc.Mode() == ModeHost || svc.Mode() == ModeBroadcastHost {
			hasHost = true
		}
	}

	c.services = table

	local := &devicemgr.Device{Identifier: newLocalIdentifier()}
	for _, svc := range table {
		if svc.Mode() == ModeHost || svc.Mode() == ModeBroadcastHost {
			svc.SetDevice(local)
		}
	}
	c.local = local

	cfg.bind(func() byte { return c.local.Address }, c.handleSetName, c.handleIdentify)
	rng.Bind(func(data []byte) error { return c.sendLocal(rng.ServiceNumber(), data) })

	if !hasHost {
		c.state = NotEnumerating
		return nil
	}

	local.Address = byte(1 + c.rng.Intn(254))
	local.Flags = packet.FlagProposing
	c.proposal = 0
	c.state = Proposing
	return nil
}

func (c *Control) handleSetName(name string) { c.SetName(name) }

// SetName updates the name this node advertises on its next tick.
func (c *Control) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

func (c *Control) handleIdentify() {
	c.publish(eventbus.T(eventbus.TopicBus, "identify"), c.LocalDevice(), false)
}

// sendLocal enqueues a self-addressed broadcast from serviceNumber — a
// host's own report, signed under its own identifier the way a receiver's
// handleDataPacket verifies it (by the source device, never nil).
func (c *Control) sendLocal(serviceNumber byte, data []byte) error {
	local := c.LocalDevice()
	if local == nil {
		return errcode.InvalidState
	}
	pkt := &packet.Packet{
		ServiceNumber:     serviceNumber,
		DeviceAddress:     local.Address,
		Data:              data,
		CommunicationRate: local.CommunicationRate,
	}
	pkt.Sign(&local.Identifier)
	return c.driver.Send(pkt)
}

// Start begins the dispatch goroutine: the tick scheduler and the RX
// drain, serialized on one select loop.
func (c *Control) Start() {
	c.mu.Lock()
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run()
}

func (c *Control) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-c.done
}

// Disconnect stops enumerating and notifies Host/BroadcastHost services
// that their host has gone away.
func (c *Control) Disconnect() {
	c.mu.Lock()
	table := c.services
	c.state = NotEnumerating
	local := c.local
	c.mu.Unlock()

	for _, svc := range table {
		if (svc.Mode() == ModeHost || svc.Mode() == ModeBroadcastHost) && svc.Device() == local {
			svc.HostDisconnected()
		}
	}
}

func (c *Control) run() {
	defer close(c.done)
	c.mu.Lock()
	interval := c.tickInterval
	c.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.onTick()
		case <-c.driver.RXReady():
			for {
				pkt, ok := c.driver.GetPacket()
				if !ok {
					break
				}
				c.dispatch(pkt)
			}
		}
	}
}
