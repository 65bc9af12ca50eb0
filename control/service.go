package control

import (
	"crypto/rand"
	"math/big"

	"jacdac/devicemgr"
	"jacdac/packet"
)

// Mode is a Service's role with respect to its service_class.
type Mode int

const (
	ModeClient Mode = iota
	ModeHost
	ModeBroadcastHost
	ModeControlLayer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeHost:
		return "host"
	case ModeBroadcastHost:
		return "broadcast_host"
	case ModeControlLayer:
		return "control_layer"
	default:
		return "unknown"
	}
}

// noServiceNumber marks a service not yet assigned a number by Enumerate.
const noServiceNumber = 0xFF

// Service is the capability set every collaborator above the control
// service implements: accelerometer, radio bridge, pin driver, console —
// anything that hosts or consumes a service_class. It is a closed variant
// for the two control-layer services the core ships (RNG, Configuration)
// plus one open extension point for application-supplied services, per
// the "service polymorphism" design note: no abstract base class, just
// this interface and the BaseService helper that implements its
// bookkeeping half.
type Service interface {
	ServiceClass() uint32
	Mode() Mode

	ServiceNumber() byte
	SetServiceNumber(n byte)

	Device() *devicemgr.Device
	SetDevice(d *devicemgr.Device)

	// AddAdvertisementData returns up to packet.MaxAdvertisementSize bytes
	// of advertisement payload for this service, called once per tick
	// while enumerating.
	AddAdvertisementData() []byte

	// HandleAdvertisement is called on a Client service when it is bound
	// to a newly seen remote device, with the ServiceInfo record of
	// matching service_class it was bound through. Later advertisements
	// from the same device do not call it again.
	HandleAdvertisement(dev *devicemgr.Device, info packet.ServiceInfo)

	// HandlePacket processes a routed data packet and reports whether it
	// handled it; dispatch stops at the first service that returns true.
	HandlePacket(pkt *packet.Packet) bool

	HostConnected()
	HostDisconnected()
}

// DeviceRequirer is an optional capability a Client service implements to
// bind only to a specific remote device by identifier or name, instead of
// the first advertisement of a matching service_class.
type DeviceRequirer interface {
	RequiredIdentifier() (packet.Identifier, bool)
	RequiredName() (string, bool)
}

// Binder is the capability through which a control-layer service receives
// a way to publish its own reports. Enumerate binds the built-in RNG
// service this way; it does not look for Binder on the services passed to
// it. send wraps a broadcast data packet under (local device_address, this
// service's service_number).
type Binder interface {
	Bind(send func(data []byte) error)
}

// BaseService implements the bookkeeping half of Service — class, mode,
// number and device-pointer storage — so application services only need to
// embed it and implement the behavioural methods they care about.
type BaseService struct {
	class  uint32
	mode   Mode
	number byte
	device *devicemgr.Device
}

// NewBaseService returns a BaseService with no service number assigned yet.
func NewBaseService(class uint32, mode Mode) BaseService {
	return BaseService{class: class, mode: mode, number: noServiceNumber}
}

func (b *BaseService) ServiceClass() uint32 { return b.class }
func (b *BaseService) Mode() Mode           { return b.mode }
func (b *BaseService) ServiceNumber() byte  { return b.number }
func (b *BaseService) SetServiceNumber(n byte) { b.number = n }
func (b *BaseService) Device() *devicemgr.Device { return b.device }
func (b *BaseService) SetDevice(d *devicemgr.Device) { b.device = d }

// Default no-op bodies; embedders override what they need.
func (b *BaseService) AddAdvertisementData() []byte                             { return nil }
func (b *BaseService) HandleAdvertisement(*devicemgr.Device, packet.ServiceInfo) {}
func (b *BaseService) HandlePacket(*packet.Packet) bool                         { return false }
func (b *BaseService) HostConnected()                                          {}
func (b *BaseService) HostDisconnected()                                       {}

// randomUint64 draws from crypto/rand — used here for the device
// identifier, which needs to be collision-resistant across nodes, not
// merely jittered.
func randomUint64() uint64 {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return uint64(randomUint32()) << 32 | uint64(randomUint32())
	}
	return n.Uint64()
}

func randomUint32() uint32 {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 32))
	if err != nil {
		return 0
	}
	return uint32(n.Uint64())
}

// newLocalIdentifier derives a fresh identifier for enumerate(): a random
// 64-bit source with the locally-administered bit of byte 6 cleared, per
// spec.md's enumeration step 2.
func newLocalIdentifier() packet.Identifier {
	var id packet.Identifier
	v := randomUint64()
	for i := 0; i < 8; i++ {
		id[i] = byte(v >> (8 * i))
	}
	id[6] &^= 1 << 1
	return id
}
