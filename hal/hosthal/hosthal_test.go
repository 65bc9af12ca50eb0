//go:build !rp2040 && !rp2350

package hosthal

import (
	"context"
	"testing"
	"time"

	"jacdac/hal"
)

func TestPinFiresHandlerOnMatchingEdge(t *testing.T) {
	p := NewPin()
	fired := make(chan hal.Edge, 4)
	if err := p.SetIRQ(hal.EdgeFalling, func() { fired <- hal.EdgeFalling }); err != nil {
		t.Fatalf("SetIRQ: %v", err)
	}

	p.DriveLow() // high -> low: falling edge
	select {
	case e := <-fired:
		if e != hal.EdgeFalling {
			t.Fatalf("got edge %v, want falling", e)
		}
	default:
		t.Fatal("expected handler to fire on falling edge")
	}

	p.Release() // low -> high: rising, not armed
	select {
	case <-fired:
		t.Fatal("handler should not fire on unarmed edge")
	default:
	}
}

func TestLinkedPinsWireAND(t *testing.T) {
	a, b := NewLinkedPins()
	if !a.Get() || !b.Get() {
		t.Fatal("expected both ends idle high initially")
	}
	a.DriveLow()
	if a.Get() || b.Get() {
		t.Fatal("expected both ends low once A drives low")
	}
	a.Release()
	if !a.Get() || !b.Get() {
		t.Fatal("expected both ends high once A releases")
	}
}

func TestLinkedPinsBothSeeEachEdge(t *testing.T) {
	a, b := NewLinkedPins()
	bFired := make(chan hal.Edge, 4)
	if err := b.SetIRQ(hal.EdgeBoth, func() {}); err != nil {
		t.Fatalf("SetIRQ: %v", err)
	}
	_ = b.ClearIRQ()
	if err := b.SetIRQ(hal.EdgeBoth, func() { bFired <- hal.EdgeFalling }); err != nil {
		t.Fatalf("SetIRQ: %v", err)
	}

	a.DriveLow()
	select {
	case <-bFired:
	default:
		t.Fatal("expected B to observe A's edge on the shared line")
	}
}

func TestUARTWireLoopback(t *testing.T) {
	a, b := NewUART(), NewUART()
	Wire(a, b)

	if _, err := a.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := make([]byte, 8)
	n, err := b.RecvSomeContext(ctx, buf)
	if err != nil {
		t.Fatalf("RecvSomeContext: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want %q", buf[:n], "hi")
	}
}

func TestTimerArmAfterFires(t *testing.T) {
	tm := NewTimer()
	ch := tm.ArmAfter(1000) // 1ms
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestTimerArmAfterReplacesPrevious(t *testing.T) {
	tm := NewTimer()
	stale := tm.ArmAfter(50_000) // 50ms, should never fire
	fresh := tm.ArmAfter(1_000)  // 1ms

	select {
	case <-fresh:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fresh arm did not fire")
	}
	select {
	case <-stale:
		t.Fatal("stale arm fired after being replaced")
	case <-time.After(20 * time.Millisecond):
	}
}
