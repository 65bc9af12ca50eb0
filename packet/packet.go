// Package packet defines the JACDAC wire packet, the control-packet payload
// carried at device address 0, and the codecs between them and raw bytes.
package packet

import (
	"encoding/binary"

	"jacdac/crc"
	"jacdac/errcode"
)

// HeaderSize is the fixed on-wire header length, in bytes.
const HeaderSize = 4

// MaxDataSize is the largest payload a single packet may carry.
const MaxDataSize = 255

// BaudCode selects the pre-frame pulse width and the frame's line speed.
type BaudCode byte

const (
	Baud1M   BaudCode = 1
	Baud500k BaudCode = 2
	Baud250k BaudCode = 4
	Baud125k BaudCode = 8

	DefaultBaud = Baud125k
)

// Bps returns the bit rate a baud code represents, or 0 if code is invalid.
func (c BaudCode) Bps() int {
	switch c {
	case Baud1M:
		return 1_000_000
	case Baud500k:
		return 500_000
	case Baud250k:
		return 250_000
	case Baud125k:
		return 125_000
	default:
		return 0
	}
}

// Valid reports whether c is one of the four defined baud codes.
func (c BaudCode) Valid() bool {
	switch c {
	case Baud1M, Baud500k, Baud250k, Baud125k:
		return true
	default:
		return false
	}
}

// ByteTimeAt125kBaudUs is the duration of one UART byte (8 data + start +
// stop bits) at the bus's slowest defined rate; every timing constant in
// the line driver is expressed as a multiple of it.
const ByteTimeAt125kBaudUs = 80

// ceilPow2 rounds n up to the nearest power of two, treating n<=1 as 1.
func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// DecodePulseCode maps an observed low-pulse width, in microseconds, to a
// baud code. The measured width is rounded to the nearest multiple of
// ByteTimeAt125kBaudUs and then rounded up to a power of two; widths that
// don't land on one of {1,2,4,8} are reported invalid (a UART error to the
// line driver).
func DecodePulseCode(pulseUs int) (BaudCode, bool) {
	if pulseUs <= 0 {
		return 0, false
	}
	ratio := (pulseUs + ByteTimeAt125kBaudUs/2) / ByteTimeAt125kBaudUs
	code := BaudCode(ceilPow2(ratio))
	if !code.Valid() {
		return 0, false
	}
	return code, true
}

// PulseWidthUs returns the low-pulse duration, in microseconds, that
// announces a frame at the given baud code.
func PulseWidthUs(code BaudCode) int { return int(code) * ByteTimeAt125kBaudUs }

// Device flag bits, set on the control packet address-0 payload.
const (
	FlagReject    byte = 1 << 0
	FlagProposing byte = 1 << 1
	FlagHasName   byte = 1 << 2
	FlagNack      byte = 1 << 3
)

// Service classes reserved for the bus core's own, always-present services.
const (
	ServiceClassControl       uint32 = 0
	ServiceClassRNG           uint32 = 1
	ServiceClassConfiguration uint32 = 2
)

// ControlServiceNumber is the fixed service number of the control service,
// present on every node regardless of enumerated service count.
const ControlServiceNumber byte = 0

// Packet is one JACDAC frame: the 4-byte header plus 0..255 bytes of data.
// CommunicationRate is an out-of-band hint carried alongside the frame; it
// is never transmitted on the wire.
type Packet struct {
	CRC               uint16
	ServiceNumber     byte // 4 bits
	DeviceAddress     byte
	Data              []byte
	CommunicationRate BaudCode
}

// Size returns the wire-encoded length of the data payload.
func (p *Packet) Size() byte { return byte(len(p.Data)) }

// Identifier binds a packet's CRC to a specific device, per crc.Identifier.
type Identifier = crc.Identifier

// crcSpan returns the bytes the CRC is computed over: device_address, size,
// then data — the header's first two bytes (crc|service_number) are excluded.
func crcSpan(addr, size byte, data []byte) []byte {
	span := make([]byte, 2+len(data))
	span[0] = addr
	span[1] = size
	copy(span[2:], data)
	return span
}

// Sign computes and stores p.CRC for the given identifier. Self-originated
// packets — control packets and a host's own data reports alike — are
// signed under the sending device's own identifier, which is exactly what
// a receiver's Verify(&sourceDevice.Identifier) checks against; nil is
// only for contexts where no device identity exists yet at all.
func (p *Packet) Sign(id *Identifier) {
	p.CRC = crc.Compute(crcSpan(p.DeviceAddress, p.Size(), p.Data), id)
}

// Verify reports whether p.CRC matches the packet contents under id.
func (p *Packet) Verify(id *Identifier) bool {
	return crc.Verify(crcSpan(p.DeviceAddress, p.Size(), p.Data), id, p.CRC)
}

// Encode serialises p to its 4-byte-header-plus-data wire form. The caller
// must have called Sign first; Encode does not compute the CRC.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Data) > MaxDataSize {
		return nil, errcode.InvalidParameter
	}
	if p.ServiceNumber > 0x0F {
		return nil, errcode.InvalidParameter
	}

	buf := make([]byte, HeaderSize+len(p.Data))
	word := (p.CRC & 0x0FFF) | (uint16(p.ServiceNumber&0x0F) << 12)
	binary.LittleEndian.PutUint16(buf[0:2], word)
	buf[2] = p.DeviceAddress
	buf[3] = byte(len(p.Data))
	copy(buf[4:], p.Data)
	return buf, nil
}

// Decode parses wire bytes into a Packet. It does not verify the CRC; call
// Verify once the addressed device's identifier (if any) is known.
func Decode(wire []byte) (Packet, error) {
	if len(wire) < HeaderSize {
		return Packet{}, errcode.InvalidPayload
	}
	word := binary.LittleEndian.Uint16(wire[0:2])
	size := wire[3]
	if int(size) > len(wire)-HeaderSize {
		return Packet{}, errcode.InvalidPayload
	}
	data := make([]byte, size)
	copy(data, wire[HeaderSize:HeaderSize+int(size)])

	return Packet{
		CRC:           word & 0x0FFF,
		ServiceNumber: byte(word >> 12),
		DeviceAddress: wire[2],
		Data:          data,
	}, nil
}
