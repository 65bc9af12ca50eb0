package packet

import (
	"encoding/binary"

	"jacdac/errcode"
)

// ServiceInfoHeaderSize is the fixed portion of a ServiceInfo record.
const ServiceInfoHeaderSize = 6

// MaxAdvertisementSize bounds the service-defined tail of a ServiceInfo.
const MaxAdvertisementSize = 16

// ServiceInfo is one advertisement record inside a control packet's data.
type ServiceInfo struct {
	ServiceClass      uint32
	ServiceFlags      byte
	AdvertisementData []byte
}

// Encode appends si's wire form to buf and returns the result.
func (si ServiceInfo) Encode(buf []byte) ([]byte, error) {
	if len(si.AdvertisementData) > MaxAdvertisementSize {
		return nil, errcode.InvalidParameter
	}
	hdr := make([]byte, ServiceInfoHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], si.ServiceClass)
	hdr[4] = si.ServiceFlags
	hdr[5] = byte(len(si.AdvertisementData))
	buf = append(buf, hdr...)
	buf = append(buf, si.AdvertisementData...)
	return buf, nil
}

// decodeServiceInfo reads one ServiceInfo from the front of data, returning
// it along with the remaining, unconsumed bytes. An advertisement_size that
// would overrun data is reported as errcode.InvalidPayload; the caller must
// stop parsing further records in that case, per spec: earlier records in
// the same control packet remain valid.
func decodeServiceInfo(data []byte) (ServiceInfo, []byte, error) {
	if len(data) < ServiceInfoHeaderSize {
		return ServiceInfo{}, nil, errcode.InvalidPayload
	}
	class := binary.LittleEndian.Uint32(data[0:4])
	flags := data[4]
	advSize := int(data[5])
	rest := data[ServiceInfoHeaderSize:]
	if advSize > len(rest) {
		return ServiceInfo{}, nil, errcode.InvalidPayload
	}
	adv := make([]byte, advSize)
	copy(adv, rest[:advSize])
	return ServiceInfo{ServiceClass: class, ServiceFlags: flags, AdvertisementData: adv}, rest[advSize:], nil
}

// ControlPacket is the payload of a Packet addressed to device 0.
type ControlPacket struct {
	UniqueDeviceIdentifier Identifier
	DeviceAddress          byte
	DeviceFlags            byte
	Name                   string // valid iff DeviceFlags&FlagHasName != 0
	Services               []ServiceInfo
}

// HasName reports whether cp carries an optional device name.
func (cp *ControlPacket) HasName() bool { return cp.DeviceFlags&FlagHasName != 0 }

// Proposing, Reject and Nack read the corresponding device-flag bits.
func (cp *ControlPacket) Proposing() bool { return cp.DeviceFlags&FlagProposing != 0 }
func (cp *ControlPacket) Reject() bool    { return cp.DeviceFlags&FlagReject != 0 }
func (cp *ControlPacket) Nack() bool      { return cp.DeviceFlags&FlagNack != 0 }

// EncodeControlPacket renders cp as the data payload of an address-0 packet.
func EncodeControlPacket(cp ControlPacket) ([]byte, error) {
	buf := make([]byte, 10)
	copy(buf[0:8], cp.UniqueDeviceIdentifier[:])
	buf[8] = cp.DeviceAddress

	flags := cp.DeviceFlags
	if cp.Name != "" {
		flags |= FlagHasName
	} else {
		flags &^= FlagHasName
	}
	buf[9] = flags

	if flags&FlagHasName != 0 {
		if len(cp.Name) > MaxDataSize {
			return nil, errcode.InvalidParameter
		}
		buf = append(buf, byte(len(cp.Name)))
		buf = append(buf, cp.Name...)
	}

	var err error
	for _, si := range cp.Services {
		buf, err = si.Encode(buf)
		if err != nil {
			return nil, err
		}
	}
	if len(buf) > MaxDataSize {
		return nil, errcode.InvalidParameter
	}
	return buf, nil
}

// DecodeControlPacket parses the data payload of an address-0 packet.
func DecodeControlPacket(data []byte) (ControlPacket, error) {
	if len(data) < 10 {
		return ControlPacket{}, errcode.InvalidPayload
	}
	var cp ControlPacket
	copy(cp.UniqueDeviceIdentifier[:], data[0:8])
	cp.DeviceAddress = data[8]
	cp.DeviceFlags = data[9]
	rest := data[10:]

	if cp.DeviceFlags&FlagHasName != 0 {
		if len(rest) < 1 {
			return ControlPacket{}, errcode.InvalidPayload
		}
		n := int(rest[0])
		rest = rest[1:]
		if n > len(rest) {
			return ControlPacket{}, errcode.InvalidPayload
		}
		cp.Name = string(rest[:n])
		rest = rest[n:]
	}

	for len(rest) > 0 {
		si, tail, err := decodeServiceInfo(rest)
		if err != nil {
			// An overrunning record terminates parsing; earlier records
			// already appended to cp.Services remain valid.
			break
		}
		cp.Services = append(cp.Services, si)
		rest = tail
	}
	return cp, nil
}
