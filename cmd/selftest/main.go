// Command selftest exercises a full bus core in-process, host side: two
// jacdac.Core instances wired over hosthal fakes instead of real silicon,
// covering enumeration and a broadcast-host round trip in one binary. Mirrors the project's own bus self-test in
// spirit — small bool-returning Test funcs, a pass/fail table, no testing
// framework — but targets this module's enumeration/routing path instead
// of the event bus.
package main

import (
	"time"

	"jacdac/control"
	"jacdac/devicemgr"
	"jacdac/hal/hosthal"
	"jacdac"
	"jacdac/packet"
)

func logln(s string) { println(s) }
func logf(format string, a ...interface{}) {
	out := make([]byte, 0, len(format)+16)
	argi := 0
	for i := 0; i < len(format); i++ {
		if format[i] == '%' && i+1 < len(format) {
			switch format[i+1] {
			case 's':
				if argi < len(a) {
					out = append(out, toString(a[argi])...)
					argi++
				}
				i++
				continue
			case 'd':
				if argi < len(a) {
					out = append(out, itoa(intFrom(a[argi]))...)
					argi++
				}
				i++
				continue
			}
		}
		out = append(out, format[i])
	}
	println(string(out))
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return "<val>"
	}
}

func intFrom(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case uint32:
		return int(x)
	case byte:
		return int(x)
	default:
		return 0
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	sign := ""
	if i < 0 {
		sign = "-"
		i = -i
	}
	var buf [32]byte
	b := len(buf)
	for i > 0 {
		b--
		buf[b] = byte('0' + (i % 10))
		i /= 10
	}
	if sign != "" {
		b--
		buf[b] = '-'
	}
	return string(buf[b:])
}

// pairedCores returns two bus cores wired over one shared hosthal line, one
// UART pair, and independent timers — a host loopback stand-in for two
// nodes on the same physical bus.
func pairedCores() (a, b *jacdac.Core) {
	pinA, pinB := hosthal.NewLinkedPins()
	uartA, uartB := hosthal.NewUART(), hosthal.NewUART()
	hosthal.Wire(uartA, uartB)
	a = jacdac.New(pinA, uartA, hosthal.NewTimer(), jacdac.Options{})
	b = jacdac.New(pinB, uartB, hosthal.NewTimer(), jacdac.Options{})
	return a, b
}

// pollUntil busy-waits check at a short interval until it reports true or
// timeout elapses, returning whether it succeeded.
func pollUntil(timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return check()
}

// echoService is a trivial broadcast-host service class used by the
// round-trip test: once its host connection is confirmed it sends one
// self-addressed report under its own device's identifier, the way a real
// sensor host reports readings — nobody addresses a host directly, a host
// broadcasts and whoever is listening picks it up.
const echoServiceClass uint32 = 0x5000

type echoService struct {
	control.BaseService
	core *jacdac.Core
}

func newEchoHost(core *jacdac.Core) *echoService {
	return &echoService{BaseService: control.NewBaseService(echoServiceClass, control.ModeBroadcastHost), core: core}
}

func (e *echoService) HostConnected() {
	local := e.core.Control().LocalDevice()
	if local == nil {
		return
	}
	pkt := &packet.Packet{
		ServiceNumber: e.ServiceNumber(),
		DeviceAddress: local.Address,
		Data:          []byte("ping"),
	}
	pkt.Sign(&local.Identifier)
	_ = e.core.Send(*pkt)
}

type echoClient struct {
	control.BaseService
	bound    *devicemgr.Device
	received [][]byte
}

func newEchoClient() *echoClient {
	return &echoClient{BaseService: control.NewBaseService(echoServiceClass, control.ModeClient)}
}

func (e *echoClient) HandleAdvertisement(dev *devicemgr.Device, info packet.ServiceInfo) {
	e.bound = dev
}

func (e *echoClient) HandlePacket(pkt *packet.Packet) bool {
	e.received = append(e.received, append([]byte(nil), pkt.Data...))
	return true
}

func TestTwoNodesEnumerate() bool {
	a, b := pairedCores()
	if err := a.Enumerate(newEchoHost(a)); err != nil {
		logf("TestTwoNodesEnumerate: a.Enumerate: %s", err.Error())
		return false
	}
	if err := a.Start(); err != nil {
		logf("TestTwoNodesEnumerate: a.Start: %s", err.Error())
		return false
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		logf("TestTwoNodesEnumerate: b.Start: %s", err.Error())
		return false
	}
	defer b.Stop()

	ok := pollUntil(3*time.Second, func() bool {
		return a.GetState().Enumeration == control.Enumerated
	})
	if !ok {
		logln("TestTwoNodesEnumerate: a never reached Enumerated")
		return false
	}
	return true
}

func TestBroadcastHostRoundTrip() bool {
	a, b := pairedCores()
	host := newEchoHost(a)
	client := newEchoClient()

	if err := a.Enumerate(host); err != nil {
		logf("TestBroadcastHostRoundTrip: a.Enumerate: %s", err.Error())
		return false
	}
	if err := b.Enumerate(client); err != nil {
		logf("TestBroadcastHostRoundTrip: b.Enumerate: %s", err.Error())
		return false
	}
	if err := a.Start(); err != nil {
		return false
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		return false
	}
	defer b.Stop()

	if !pollUntil(3*time.Second, func() bool {
		return a.GetState().Enumeration == control.Enumerated
	}) {
		logln("TestBroadcastHostRoundTrip: host never enumerated")
		return false
	}
	if !pollUntil(3*time.Second, func() bool {
		return client.bound != nil
	}) {
		logln("TestBroadcastHostRoundTrip: client never bound to host's advertisement")
		return false
	}

	// The host sends its own report once its proposed address is confirmed
	// (HostConnected, via advanceProposal); the client picks it up through
	// the same (device, service_number) match the control layer rewrote its
	// own service number to on binding. Nothing here addresses the host
	// directly — it broadcasts, the client listens.
	return pollUntil(3*time.Second, func() bool {
		return len(client.received) == 1 && string(client.received[0]) == "ping"
	})
}

type testFn struct {
	name string
	fn   func() bool
}

func main() {
	tests := []testFn{
		{"TestTwoNodesEnumerate", TestTwoNodesEnumerate},
		{"TestBroadcastHostRoundTrip", TestBroadcastHostRoundTrip},
	}

	passed, failed := 0, 0
	logln("== jacdac bus core self-test starting ==")
	for _, tc := range tests {
		ok := tc.fn()
		if ok {
			logf("[PASS] %s", tc.name)
			passed++
		} else {
			logf("[FAIL] %s", tc.name)
			failed++
		}
	}
	logf("== done: %d passed, %d failed ==", passed, failed)
}
