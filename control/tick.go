package control

import (
	"jacdac/devicemgr"
	"jacdac/eventbus"
	"jacdac/linedriver"
	"jacdac/packet"
)

// onTick runs every TickInterval: it ages remote devices, and while
// enumerating it re-broadcasts this node's advertisement and advances the
// proposal-confirmation counter. While the line driver is in
// ErrorRecovery, enumeration is suspended in EnumeratingBusLow — no
// advertisement goes out and the confirmation counter doesn't advance,
// since any packet sent into a dead bus would be lost anyway — resuming
// where it left off once the line clears.
func (c *Control) onTick() {
	for _, dev := range c.devices.Tick() {
		c.notifyDisconnected(dev)
	}

	lineDown := c.driver.GetState() == linedriver.StateErrorRecovery

	c.mu.Lock()
	switch {
	case lineDown && (c.state == Proposing || c.state == Enumerated):
		c.preBusLow = c.state
		c.state = EnumeratingBusLow
	case !lineDown && c.state == EnumeratingBusLow:
		c.state = c.preBusLow
	}
	state := c.state
	c.mu.Unlock()

	switch state {
	case Proposing, Enumerated:
		c.advertise()
		c.advanceProposal()
	}
}

// notifyDisconnected clears the Device pointer on every Client service
// bound to dev and calls its host-disconnected hook, then publishes the
// departure on the event bus.
func (c *Control) notifyDisconnected(dev *devicemgr.Device) {
	c.mu.Lock()
	table := c.services
	c.mu.Unlock()

	for _, svc := range table {
		if svc.Mode() == ModeClient && svc.Device() == dev {
			svc.SetDevice(nil)
			svc.HostDisconnected()
		}
	}
	c.publish(eventbus.T(eventbus.TopicDevice, eventbus.SegDisconnected, identifierKey(dev.Identifier)), dev, false)
}

// advertise builds and enqueues this node's control packet: identifier,
// address, flags, optional name, and one ServiceInfo per non-client,
// non-control-layer service.
func (c *Control) advertise() {
	c.mu.Lock()
	local := c.local
	name := c.name
	table := c.services
	c.mu.Unlock()
	if local == nil {
		return
	}

	cp := packet.ControlPacket{
		UniqueDeviceIdentifier: local.Identifier,
		DeviceAddress:          local.Address,
		DeviceFlags:            local.Flags,
		Name:                   name,
	}
	for _, svc := range table {
		if svc.Mode() == ModeClient || svc.Mode() == ModeControlLayer {
			continue
		}
		cp.Services = append(cp.Services, packet.ServiceInfo{
			ServiceClass:      svc.ServiceClass(),
			AdvertisementData: svc.AddAdvertisementData(),
		})
	}

	data, err := packet.EncodeControlPacket(cp)
	if err != nil {
		return
	}
	pkt := &packet.Packet{DeviceAddress: 0, ServiceNumber: packet.ControlServiceNumber, Data: data, CommunicationRate: local.CommunicationRate}
	pkt.Sign(&local.Identifier)
	_ = c.driver.Send(pkt)
}

// advanceProposal increments the confirmation counter and, once it reaches
// confirmTicks without an objection, clears PROPOSING and notifies every
// local Host/BroadcastHost service that its host connected.
func (c *Control) advanceProposal() {
	c.mu.Lock()
	if c.state != Proposing {
		c.mu.Unlock()
		return
	}
	c.proposal++
	confirmed := c.proposal >= confirmTicks
	if confirmed {
		c.state = Enumerated
		c.local.Flags &^= packet.FlagProposing
	}
	table := c.services
	c.mu.Unlock()

	if !confirmed {
		return
	}
	for _, svc := range table {
		if svc.Mode() == ModeHost || svc.Mode() == ModeBroadcastHost {
			svc.HostConnected()
		}
	}
	c.publish(eventbus.T(eventbus.TopicEnumeration, "state"), "enumerated", true)
}

// resetProposal re-enters Proposing at a freshly chosen address, used by
// collision handling (surrender) and by the configuration service if ever
// extended to support explicit re-proposal.
func (c *Control) resetProposal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.Address = byte(1 + c.rng.Intn(254))
	c.local.Flags |= packet.FlagProposing
	c.proposal = 0
	c.state = Proposing
}

func identifierKey(id packet.Identifier) string {
	var buf [16]byte
	for i, b := range id {
		hi, lo := b>>4, b&0x0F
		buf[i*2] = hexDigit(hi)
		buf[i*2+1] = hexDigit(lo)
	}
	return string(buf[:])
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}
