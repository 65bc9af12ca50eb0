package control

import "jacdac/packet"

// Configuration request types, per spec.md's (device_address, request_type,
// data) contract.
const (
	RequestSetName byte = 1
	RequestIdentify byte = 2
)

// ConfigurationService is the bus core's control-layer configuration
// service: service_class 2, pinned at the well-known service_number 1 by
// Control.Enumerate. It lets a peer rename this node or ask it to identify
// itself: a rename updates the name advertised on the next tick, and an
// identify request is published on the event bus rather than driving
// hardware directly, since blinking an LED is an application concern this
// core never owns.
type ConfigurationService struct {
	BaseService
	localAddr func() byte
	onSetName func(name string)
	onIdentify func()
}

// NewConfigurationService returns an unbound configuration service ready
// to be passed to Control.Enumerate.
func NewConfigurationService() *ConfigurationService {
	return &ConfigurationService{
		BaseService: NewBaseService(packet.ServiceClassConfiguration, ModeControlLayer),
	}
}

// bind wires the service to its owning Control; called once from Enumerate.
func (c *ConfigurationService) bind(localAddr func() byte, onSetName func(string), onIdentify func()) {
	c.localAddr = localAddr
	c.onSetName = onSetName
	c.onIdentify = onIdentify
}

func (c *ConfigurationService) HandlePacket(pkt *packet.Packet) bool {
	if len(pkt.Data) < 2 || c.localAddr == nil {
		return false
	}
	if pkt.Data[0] != c.localAddr() {
		return false
	}
	switch pkt.Data[1] {
	case RequestSetName:
		if c.onSetName != nil {
			c.onSetName(string(pkt.Data[2:]))
		}
		return true
	case RequestIdentify:
		if c.onIdentify != nil {
			c.onIdentify()
		}
		return true
	default:
		return false
	}
}
