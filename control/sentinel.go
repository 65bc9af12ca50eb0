package control

import "jacdac/packet"

// controlLayerSentinel occupies service_number 0 on every node, per
// spec.md's "at most one ControlLayer service per node; it occupies
// service number 0" invariant. It never advertises or handles packets
// itself — control packets are parsed by Control directly — it exists only
// to reserve the slot so every other service's number reflects its true
// position in the table.
type controlLayerSentinel struct{ BaseService }

func (s *controlLayerSentinel) ServiceClass() uint32 { return packet.ServiceClassControl }
func (s *controlLayerSentinel) Mode() Mode            { return ModeControlLayer }
