package linedriver

import (
	"testing"
	"time"

	"jacdac/hal/hosthal"
	"jacdac/packet"
)

// waitForPacket polls GetPacket until it returns one or the deadline
// passes, since delivery happens asynchronously on the driver's goroutine.
func waitForPacket(t *testing.T, d *Driver, timeout time.Duration) *packet.Packet {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if pkt, ok := d.GetPacket(); ok {
			return pkt
		}
		select {
		case <-deadline:
			t.Fatalf("no packet received within %s", timeout)
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

func waitForState(t *testing.T, d *Driver, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if d.GetState() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want %v within %s", d.GetState(), want, timeout)
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func newLinkedDrivers() (a, b *Driver) {
	pinA, pinB := hosthal.NewLinkedPins()
	uartA, uartB := hosthal.NewUART(), hosthal.NewUART()
	hosthal.Wire(uartA, uartB)
	a = New(pinA, uartA, hosthal.NewTimer())
	b = New(pinB, uartB, hosthal.NewTimer())
	return a, b
}

func TestStartEntersListeningForPulse(t *testing.T) {
	pin := hosthal.NewPin()
	d := New(pin, nil, hosthal.NewTimer())
	if d.GetState() != StateOff {
		t.Fatalf("state = %v, want Off before Start", d.GetState())
	}
	d.Start()
	defer d.Stop()
	if d.GetState() != StateListeningForPulse {
		t.Fatalf("state = %v, want ListeningForPulse", d.GetState())
	}
}

func TestSendDeliversPacketAcrossLinkedDrivers(t *testing.T) {
	a, b := newLinkedDrivers()
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	pkt := &packet.Packet{
		ServiceNumber:     3,
		DeviceAddress:     0,
		Data:              []byte("hello"),
		CommunicationRate: packet.Baud1M,
	}
	pkt.Sign(nil)
	if err := a.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := waitForPacket(t, b, 500*time.Millisecond)
	if string(got.Data) != "hello" {
		t.Fatalf("data = %q, want %q", got.Data, "hello")
	}
	if got.ServiceNumber != 3 {
		t.Fatalf("service number = %d, want 3", got.ServiceNumber)
	}
	if !got.Verify(nil) {
		t.Fatalf("CRC did not verify on the receiving side")
	}

	diag := a.GetDiagnostics()
	if diag.PacketsSent != 1 {
		t.Fatalf("sender PacketsSent = %d, want 1", diag.PacketsSent)
	}
	bdiag := b.GetDiagnostics()
	if bdiag.PacketsReceived != 1 {
		t.Fatalf("receiver PacketsReceived = %d, want 1", bdiag.PacketsReceived)
	}
}

// TestBothSidesSendEventuallyBothDeliver exercises arbitration: both nodes
// queue a send at roughly the same time, and since only one can win the bus
// at once, the loser's random backoff must let it retry after the winner's
// frame completes instead of starving forever.
func TestBothSidesSendEventuallyBothDeliver(t *testing.T) {
	a, b := newLinkedDrivers()
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	pktA := &packet.Packet{ServiceNumber: 1, Data: []byte("from-a"), CommunicationRate: packet.Baud1M}
	pktA.Sign(nil)
	pktB := &packet.Packet{ServiceNumber: 2, Data: []byte("from-b"), CommunicationRate: packet.Baud1M}
	pktB.Sign(nil)

	if err := a.Send(pktA); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	if err := b.Send(pktB); err != nil {
		t.Fatalf("b.Send: %v", err)
	}

	gotAtB := waitForPacket(t, b, time.Second)
	gotAtA := waitForPacket(t, a, time.Second)

	if string(gotAtB.Data) != "from-a" {
		t.Fatalf("b received %q, want from-a", gotAtB.Data)
	}
	if string(gotAtA.Data) != "from-b" {
		t.Fatalf("a received %q, want from-b", gotAtA.Data)
	}
}

// TestLineHeldLowTooLongEntersErrorRecovery covers the line-error path: a
// low pulse that overruns maxLowPulseUs is neither a valid start-of-frame
// nor a legitimate collision — it's counted and the driver cycles through
// ErrorRecovery back to listening once the bus has been idle-high for
// busNormalityIdleUs.
func TestLineHeldLowTooLongEntersErrorRecovery(t *testing.T) {
	pin := hosthal.NewPin()
	d := New(pin, nil, hosthal.NewTimer())
	d.Start()
	defer d.Stop()

	pin.DriveLow()
	time.Sleep(time.Duration(maxLowPulseUs+100) * time.Microsecond)

	waitForState(t, d, StateErrorRecovery, 200*time.Millisecond)
	if d.GetDiagnostics().BusLoErrors != 1 {
		t.Fatalf("BusLoErrors = %d, want 1", d.GetDiagnostics().BusLoErrors)
	}

	pin.Release()
	waitForState(t, d, StateListeningForPulse, 200*time.Millisecond)
}

func TestSendOnStoppedDriverFails(t *testing.T) {
	pin := hosthal.NewPin()
	d := New(pin, nil, hosthal.NewTimer())
	pkt := &packet.Packet{Data: []byte("x")}
	pkt.Sign(nil)
	if err := d.Send(pkt); err == nil {
		t.Fatalf("Send on an unstarted driver should fail")
	}
}

func TestSetMaximumBaudRejectsInvalidCode(t *testing.T) {
	pin := hosthal.NewPin()
	d := New(pin, nil, hosthal.NewTimer())
	if err := d.SetMaximumBaud(packet.BaudCode(200)); err == nil {
		t.Fatalf("SetMaximumBaud accepted an invalid code")
	}
	if err := d.SetMaximumBaud(packet.Baud500k); err != nil {
		t.Fatalf("SetMaximumBaud rejected a valid code: %v", err)
	}
}
