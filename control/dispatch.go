package control

import (
	"jacdac/devicemgr"
	"jacdac/eventbus"
	"jacdac/packet"
)

// dispatch routes one packet popped from the line driver's RX queue: a
// control packet (device_address 0) goes through enumeration/advertisement
// handling, everything else goes through CRC verification and service
// routing.
func (c *Control) dispatch(pkt *packet.Packet) {
	if pkt.DeviceAddress == 0 {
		c.handleControlPacket(pkt)
		return
	}
	c.handleDataPacket(pkt)
}

func (c *Control) handleControlPacket(pkt *packet.Packet) {
	cp, err := packet.DecodeControlPacket(pkt.Data)
	if err != nil {
		return
	}

	c.mu.Lock()
	local := c.local
	state := c.state
	c.mu.Unlock()

	if local != nil && cp.Reject() && cp.UniqueDeviceIdentifier == local.Identifier {
		c.resetProposal()
		return
	}

	if local != nil && (state == Proposing || state == Enumerated) && cp.DeviceAddress == local.Address {
		switch {
		case cp.UniqueDeviceIdentifier == local.Identifier:
			// Case A: our own reflection.
			return
		case cp.Proposing():
			// Case B: a second node proposing the same address.
			if state == Proposing {
				c.resetProposal()
			} else {
				c.sendReject(cp.UniqueDeviceIdentifier)
			}
			return
		default:
			// Case C: sender already confirmed this address elsewhere.
			c.resetProposal()
			return
		}
	}

	c.handleAdvertisement(cp, pkt.CommunicationRate)
}

// sendReject answers a colliding proposer with our confirmed address and
// REJECT set, addressed to its identifier so only it recognizes the reply.
func (c *Control) sendReject(colliderID packet.Identifier) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return
	}
	cp := packet.ControlPacket{
		UniqueDeviceIdentifier: colliderID,
		DeviceAddress:          local.Address,
		DeviceFlags:            packet.FlagReject,
	}
	data, err := packet.EncodeControlPacket(cp)
	if err != nil {
		return
	}
	pkt := &packet.Packet{DeviceAddress: 0, ServiceNumber: packet.ControlServiceNumber, Data: data, CommunicationRate: local.CommunicationRate}
	pkt.Sign(&local.Identifier)
	_ = c.driver.Send(pkt)
}

func (c *Control) handleAdvertisement(cp packet.ControlPacket, rate packet.BaudCode) {
	dev, isNew := c.devices.Add(cp, rate)

	c.mu.Lock()
	table := c.services
	c.mu.Unlock()

	for i, si := range cp.Services {
		remoteServiceNumber := byte(i)
		for _, svc := range table {
			if svc.Mode() == ModeBroadcastHost && svc.ServiceClass() == si.ServiceClass {
				dev.MapBroadcast(remoteServiceNumber, svc.ServiceNumber())
				break
			}
		}
		if isNew {
			for _, svc := range table {
				if svc.Mode() != ModeClient || svc.ServiceClass() != si.ServiceClass || svc.Device() != nil {
					continue
				}
				if !clientWants(svc, dev) {
					continue
				}
				svc.SetDevice(dev)
				// A Client service never appears in its own advertisement,
				// so its Enumerate-assigned table slot means nothing on the
				// wire. Repurpose it to the remote index it just bound to,
				// since handleDataPacket matches inbound reports by
				// (device, service_number) and service_number there is the
				// sender's own numbering, not ours.
				svc.SetServiceNumber(remoteServiceNumber)
				svc.HandleAdvertisement(dev, si)
			}
		}
	}

	if isNew {
		c.publish(eventbus.T(eventbus.TopicDevice, eventbus.SegConnected, identifierKey(dev.Identifier)), dev, false)
	}
}

// clientWants reports whether a Client service's optional device
// requirement, if any, matches dev.
func clientWants(svc Service, dev *devicemgr.Device) bool {
	req, ok := svc.(DeviceRequirer)
	if !ok {
		return true
	}
	if id, has := req.RequiredIdentifier(); has {
		return id == dev.Identifier
	}
	if name, has := req.RequiredName(); has {
		return name == dev.Name
	}
	return true
}

func (c *Control) handleDataPacket(pkt *packet.Packet) {
	dev, ok := c.devices.LookupByAddress(pkt.DeviceAddress)
	if !ok {
		return
	}
	if !pkt.Verify(&dev.Identifier) {
		c.mu.Lock()
		c.diag.CRCDrops++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	table := c.services
	c.mu.Unlock()

	if localNum, ok := dev.BroadcastTarget(pkt.ServiceNumber); ok {
		for _, svc := range table {
			if svc.Mode() == ModeBroadcastHost && svc.ServiceNumber() == localNum {
				if svc.HandlePacket(pkt) {
					return
				}
			}
		}
		return
	}

	for _, svc := range table {
		if svc.Device() == dev && svc.ServiceNumber() == pkt.ServiceNumber {
			if svc.HandlePacket(pkt) {
				return
			}
		}
	}
}
