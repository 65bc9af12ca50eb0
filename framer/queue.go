// Package framer implements the bounded, single-producer/single-consumer
// packet queues that sit between the line driver and the control service:
// one for outbound (TX) packets, one for inbound (RX) packets.
//
// The discipline is that of a single-producer/single-consumer byte ring —
// atomic head/tail indices, producer writes the slot then publishes the index, the
// consumer reads the index then the slot — adapted from a power-of-two byte
// capacity to a fixed depth of ten *packet.Packet slots, matching the
// bus core's pool sizing.
package framer

import (
	"sync/atomic"

	"jacdac/errcode"
	"jacdac/packet"
)

// Depth is the fixed TX/RX FIFO depth used throughout the bus core.
const Depth = 10

// Queue is a bounded SPSC ring of packets. The zero value is not usable;
// construct with New.
type Queue struct {
	slots [Depth]*packet.Packet
	head  atomic.Uint32 // consumer index, monotonic modulo Depth
	tail  atomic.Uint32 // producer index, monotonic modulo Depth

	readable chan struct{}
}

// New returns an empty queue ready for use by one producer and one consumer.
func New() *Queue {
	return &Queue{readable: make(chan struct{}, 1)}
}

// Readable yields a coalesced notification on each empty-to-non-empty
// transition; always re-check with Pop after waking, since one notification
// may cover several pushes.
func (q *Queue) Readable() <-chan struct{} { return q.readable }

func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

func (q *Queue) Full() bool { return q.Len() == Depth }
func (q *Queue) Empty() bool { return q.Len() == 0 }

// Push enqueues pkt for the consumer. It never blocks: a full queue returns
// errcode.NoResources, matching the line driver's send() contract.
func (q *Queue) Push(pkt *packet.Packet) error {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail-head >= Depth {
		return errcode.NoResources
	}
	q.slots[tail%Depth] = pkt // write the slot first
	wasEmpty := tail == head
	q.tail.Store(tail + 1) // then publish the index

	if wasEmpty {
		select {
		case q.readable <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pop removes and returns the oldest packet, or (nil, false) if empty.
func (q *Queue) Pop() (*packet.Packet, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return nil, false
	}
	pkt := q.slots[head%Depth] // read the slot while the index still reserves it
	q.slots[head%Depth] = nil
	q.head.Store(head + 1)
	return pkt, true
}

// Peek returns the oldest packet without removing it.
func (q *Queue) Peek() (*packet.Packet, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return nil, false
	}
	return q.slots[head%Depth], true
}

// Drain discards every queued packet, releasing their slots. Used by
// stop() to drop in-flight state without leaking references.
func (q *Queue) Drain() {
	for {
		if _, ok := q.Pop(); !ok {
			return
		}
	}
}
