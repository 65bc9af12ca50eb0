// Package devicemgr tracks remote JACDAC devices by their 64-bit unique
// identifier and ages them out by rolling counter when their advertisements
// stop arriving.
package devicemgr

import (
	"sync"

	"jacdac/packet"
)

// DisconnectThreshold is the number of ticks (~half a second apart) a
// device may go unseen before it is considered gone. The control-service
// value of six ticks (~three seconds) governs application-visible
// disconnects; the line driver carries no independent timer of its own.
const DisconnectThreshold = 6

// BroadcastSlots is the number of remote service numbers (0..15) a device
// record can map to a local broadcast-host service, nibble-packed two per
// byte.
const BroadcastSlots = 16

// Device is one tracked remote peer.
type Device struct {
	Identifier        packet.Identifier
	Address           byte
	CommunicationRate packet.BaudCode
	Flags             byte
	RollingCounter    byte
	Name              string

	// ServiceMapBitmask has bit i set when remote service number i has
	// been mapped to a local broadcast-host service.
	ServiceMapBitmask uint16
	// BroadcastServiceMap holds, at nibble index i, the local
	// broadcast-host service number serving remote service number i.
	BroadcastServiceMap [BroadcastSlots / 2]byte
}

// MapBroadcast records that remote service remoteServiceNumber should be
// routed to local broadcast-host service localServiceNumber.
func (d *Device) MapBroadcast(remoteServiceNumber, localServiceNumber byte) {
	d.ServiceMapBitmask |= 1 << remoteServiceNumber
	idx := remoteServiceNumber / 2
	if remoteServiceNumber%2 == 0 {
		d.BroadcastServiceMap[idx] = (d.BroadcastServiceMap[idx] &^ 0x0F) | (localServiceNumber & 0x0F)
	} else {
		d.BroadcastServiceMap[idx] = (d.BroadcastServiceMap[idx] &^ 0xF0) | (localServiceNumber << 4)
	}
}

// BroadcastTarget reports whether remoteServiceNumber has a recorded
// broadcast-host mapping, and if so, which local service number it targets.
func (d *Device) BroadcastTarget(remoteServiceNumber byte) (byte, bool) {
	if d.ServiceMapBitmask&(1<<remoteServiceNumber) == 0 {
		return 0, false
	}
	idx := remoteServiceNumber / 2
	if remoteServiceNumber%2 == 0 {
		return d.BroadcastServiceMap[idx] & 0x0F, true
	}
	return d.BroadcastServiceMap[idx] >> 4, true
}

// Manager is the set of known remote devices, keyed by identifier.
type Manager struct {
	mu   sync.Mutex
	byID map[packet.Identifier]*Device
}

// New returns an empty device manager.
func New() *Manager {
	return &Manager{byID: make(map[packet.Identifier]*Device)}
}

// Add is idempotent: it inserts a new record for an unseen identifier, or
// refreshes an existing one, resetting its rolling counter either way. The
// optional name is only copied when it actually differs, avoiding
// allocation churn on every advertisement.
func (m *Manager) Add(cp packet.ControlPacket, rate packet.BaudCode) (dev *Device, isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byID[cp.UniqueDeviceIdentifier]
	if !ok {
		d = &Device{Identifier: cp.UniqueDeviceIdentifier}
		m.byID[cp.UniqueDeviceIdentifier] = d
		isNew = true
	}
	m.updateLocked(d, cp, rate)
	return d, isNew
}

// Update refreshes fields from a freshly parsed control packet and resets
// the rolling counter, without changing identity.
func (m *Manager) Update(d *Device, cp packet.ControlPacket, rate packet.BaudCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(d, cp, rate)
}

func (m *Manager) updateLocked(d *Device, cp packet.ControlPacket, rate packet.BaudCode) {
	d.Address = cp.DeviceAddress
	d.Flags = cp.DeviceFlags
	d.CommunicationRate = rate
	d.RollingCounter = 0
	if cp.HasName() && cp.Name != d.Name {
		d.Name = cp.Name
	}
}

// LookupByAddress returns the first device found at addr, or nil.
func (m *Manager) LookupByAddress(addr byte) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byID {
		if d.Address == addr {
			return d, true
		}
	}
	return nil, false
}

// LookupByIdentifier returns the device keyed by id, or nil.
func (m *Manager) LookupByIdentifier(id packet.Identifier) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	return d, ok
}

// Remove unlinks d from the manager.
func (m *Manager) Remove(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, d.Identifier)
}

// All returns a snapshot of every tracked device.
func (m *Manager) All() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.byID))
	for _, d := range m.byID {
		out = append(out, d)
	}
	return out
}

// Tick increments every device's rolling counter and removes any that have
// reached DisconnectThreshold without an intervening Add/Update — the
// DisconnectThreshold'th unanswered tick is the one that evicts. It
// returns the removed devices so the caller can notify affected services.
func (m *Manager) Tick() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*Device
	for id, d := range m.byID {
		d.RollingCounter++
		if d.RollingCounter >= DisconnectThreshold {
			delete(m.byID, id)
			removed = append(removed, d)
		}
	}
	return removed
}
