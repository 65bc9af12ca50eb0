// Package hal defines the capability interfaces the line driver consumes:
// a single GPIO line with edge interrupts, a DMA-capable single-wire UART,
// and a free-running microsecond timer with one-shot match scheduling.
//
// Concrete implementations live in hal/hosthal (in-process fakes for tests
// and the loopback demo), hal/linuxhal (real GPIO + termios UART on Linux
// hosts) and hal/rp2hal (TinyGo, RP2040/RP2350).
package hal

import "context"

// Edge selects which line transitions an IRQPin should report.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	default:
		return "none"
	}
}

// IRQPin is the single, open-drain, shared GPIO line the bus runs over. Get
// reads the instantaneous level; SetIRQ arms an edge-triggered callback
// that the implementation invokes from whatever context it has available —
// a real interrupt, a goroutine watching periph.io's WaitForEdge, or a
// TinyGo ISR. The handler must not block.
//
// DriveLow and Release switch the pin between driving the line low (the
// start-of-frame pulse) and floating it back to input so the external
// pull-up restores the idle-high level — the only way the bus core itself
// ever writes to the shared line; all byte-level traffic goes over UARTPort.
type IRQPin interface {
	Get() bool
	DriveLow()
	Release()
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// UARTPort is the DMA-capable single-wire UART the line driver uses to send
// and receive whole frames once the pulse has announced one.
type UARTPort interface {
	WriteByte(b byte) error
	Write(p []byte) (int, error)

	Buffered() int
	Read(p []byte) (int, error)
	Readable() <-chan struct{}
	RecvSomeContext(ctx context.Context, p []byte) (int, error)

	// SetBaudRate reconfigures the port for the next frame; the line
	// driver calls it once per pulse, before arming the header DMA.
	SetBaudRate(bps uint32) error
}

// Timer is a free-running microsecond clock with one-shot match scheduling.
// ArmAfter models the timer's single compare channel: arming again before
// the previous match fires replaces it, mirroring the one-shot hardware
// compare register the original line driver shares across all of its
// timeout windows.
type Timer interface {
	NowUs() uint64
	ArmAfter(us int) <-chan struct{}
	Cancel()
}
