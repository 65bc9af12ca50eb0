package control

import (
	"math/rand"
	"time"

	"jacdac/packet"
)

// RNGService is the bus core's own control-layer RNG: service_class 1,
// seeded from timer jitter the way the enumeration state machine's address
// proposal and the line driver's TX backoff are, so a client asking this
// service for bytes gets the same quality of randomness the core trusts
// for its own collision avoidance.
type RNGService struct {
	BaseService
	rng  *rand.Rand
	send func(data []byte) error
}

// NewRNGService returns an unbound RNG service ready to be passed to
// Control.Enumerate.
func NewRNGService() *RNGService {
	return &RNGService{
		BaseService: NewBaseService(packet.ServiceClassRNG, ModeControlLayer),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RNGService) Bind(send func(data []byte) error) { r.send = send }

// Uint32 returns one pseudo-random value from the service's own source,
// independent of whatever source the line driver uses for TX backoff.
func (r *RNGService) Uint32() uint32 { return r.rng.Uint32() }

// HandlePacket replies with len(pkt.Data) bytes of randomness, clamped to
// a frame's max payload; a zero-length request defaults to 4 bytes.
func (r *RNGService) HandlePacket(pkt *packet.Packet) bool {
	if r.send == nil {
		return false
	}
	n := len(pkt.Data)
	if n == 0 {
		n = 4
	}
	if n > packet.MaxDataSize {
		n = packet.MaxDataSize
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(r.rng.Intn(256))
	}
	return r.send(buf) == nil
}
