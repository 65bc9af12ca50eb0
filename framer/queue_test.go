package framer

import (
	"testing"

	"jacdac/packet"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		p := &packet.Packet{DeviceAddress: byte(i)}
		if err := q.Push(p); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		p, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop(%d): expected a packet", i)
		}
		if p.DeviceAddress != byte(i) {
			t.Fatalf("Pop(%d) = device %d, want FIFO order", i, p.DeviceAddress)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue after draining")
	}
}

func TestPushFullReturnsNoResources(t *testing.T) {
	q := New()
	for i := 0; i < Depth; i++ {
		if err := q.Push(&packet.Packet{}); err != nil {
			t.Fatalf("Push(%d): unexpected error %v", i, err)
		}
	}
	if err := q.Push(&packet.Packet{}); err == nil {
		t.Fatal("expected NoResources when queue is full")
	}
}

func TestWrapAround(t *testing.T) {
	q := New()
	for round := 0; round < 3; round++ {
		for i := 0; i < Depth; i++ {
			if err := q.Push(&packet.Packet{ServiceNumber: byte(i)}); err != nil {
				t.Fatalf("round %d push %d: %v", round, i, err)
			}
		}
		for i := 0; i < Depth; i++ {
			p, ok := q.Pop()
			if !ok || p.ServiceNumber != byte(i) {
				t.Fatalf("round %d pop %d: got %+v, ok=%v", round, i, p, ok)
			}
		}
	}
}

func TestReadableNotifiesOnEmptyToNonEmpty(t *testing.T) {
	q := New()
	if err := q.Push(&packet.Packet{}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case <-q.Readable():
	default:
		t.Fatal("expected a readiness notification after first push")
	}
}

func TestDrainReleasesAllSlots(t *testing.T) {
	q := New()
	for i := 0; i < Depth; i++ {
		_ = q.Push(&packet.Packet{})
	}
	q.Drain()
	if !q.Empty() {
		t.Fatal("expected queue empty after Drain")
	}
	if err := q.Push(&packet.Packet{}); err != nil {
		t.Fatalf("expected room after Drain, got %v", err)
	}
}
