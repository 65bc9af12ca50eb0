//go:build !rp2040 && !rp2350

// Package hosthal provides in-process fakes for hal.IRQPin, hal.UARTPort
// and hal.Timer, suitable for unit tests and the host-side loopback demo.
package hosthal

import (
	"sync"

	"jacdac/hal"
)

// line is the shared, open-drain wire: low whenever either endpoint pulls
// it low (wired-AND), matching the bus's multi-drop electrical behaviour.
// Both endpoints observe every edge, the same way every node on a real bus
// sees every other node's pulses.
type line struct {
	mu        sync.Mutex
	aLow      bool
	bLow      bool
	level     bool // cached; true == high (idle)
	endpoints [2]*Pin
}

// Pin is one node's view of a shared hosthal line.
type Pin struct {
	l    *line
	isA  bool
	mu   sync.Mutex
	edge hal.Edge
	fn   func()
}

// NewPin returns a single, unwired pin idling high — useful for tests that
// only need to observe IRQ-arming behaviour, not a real shared line.
func NewPin() *Pin {
	l := &line{level: true}
	p := &Pin{l: l, isA: true}
	l.endpoints[0] = p
	return p
}

// NewLinkedPins returns the two endpoints of one shared idle-high line.
// Driving either end low is observed, via edges, by both.
func NewLinkedPins() (a, b *Pin) {
	l := &line{level: true}
	a = &Pin{l: l, isA: true}
	b = &Pin{l: l, isA: false}
	l.endpoints[0], l.endpoints[1] = a, b
	return a, b
}

func (p *Pin) Get() bool {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	return p.l.level
}

func (p *Pin) DriveLow() { p.l.drive(p.isA, true) }
func (p *Pin) Release()  { p.l.drive(p.isA, false) }

func (p *Pin) SetIRQ(edge hal.Edge, handler func()) error {
	p.mu.Lock()
	p.edge = edge
	p.fn = handler
	p.mu.Unlock()
	return nil
}

func (p *Pin) ClearIRQ() error {
	p.mu.Lock()
	p.edge = hal.EdgeNone
	p.fn = nil
	p.mu.Unlock()
	return nil
}

func (l *line) drive(isA, low bool) {
	l.mu.Lock()
	if isA {
		l.aLow = low
	} else {
		l.bLow = low
	}
	old := l.level
	l.level = !(l.aLow || l.bLow)
	newLevel := l.level
	l.mu.Unlock()

	if newLevel != old {
		l.notify(old, newLevel)
	}
}

func (l *line) notify(old, new bool) {
	edge := edgeFrom(old, new)
	for _, p := range l.endpoints {
		if p == nil {
			continue
		}
		p.mu.Lock()
		want := edgeWanted(p.edge, edge)
		h := p.fn
		p.mu.Unlock()
		if want && h != nil {
			h()
		}
	}
}

func edgeFrom(old, new bool) hal.Edge {
	switch {
	case !old && new:
		return hal.EdgeRising
	case old && !new:
		return hal.EdgeFalling
	default:
		return hal.EdgeNone
	}
}

func edgeWanted(armed, seen hal.Edge) bool {
	if armed == hal.EdgeBoth {
		return seen == hal.EdgeRising || seen == hal.EdgeFalling
	}
	return armed == seen
}
