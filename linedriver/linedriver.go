// Package linedriver drives the single shared GPIO/UART line: it emits and
// detects the start-of-frame low pulse, arbitrates transmission against
// other nodes pulling the same line, and reassembles received frames into
// the RX queue. It owns exactly one goroutine, fed by a GPIO edge handler
// and the hal.Timer's match channel — the same ISR-feeds-a-channel,
// goroutine-drains-it discipline as the project's other HAL workers, with
// the state machine itself living entirely in that one goroutine instead of
// being split across interrupt and task context.
package linedriver

import (
	"math/rand"
	"sync"
	"time"

	"jacdac/errcode"
	"jacdac/framer"
	"jacdac/hal"
	"jacdac/packet"
	"jacdac/x/mathx"
)

// State is the line driver's externally observable phase.
type State int

const (
	StateOff State = iota
	StateListeningForPulse
	StateReceiving
	StateTransmitting
	StateErrorRecovery
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateListeningForPulse:
		return "listening_for_pulse"
	case StateReceiving:
		return "receiving"
	case StateTransmitting:
		return "transmitting"
	case StateErrorRecovery:
		return "error_recovery"
	default:
		return "unknown"
	}
}

// Timing constants, all expressed in microseconds; every one except the
// flat random backoff range is derived from the byte time at 125 kbaud.
const (
	minInterframeSpacingUs = 2 * packet.ByteTimeAt125kBaudUs
	maxLowPulseUs          = 3 * packet.ByteTimeAt125kBaudUs
	busNormalityIdleUs     = 2 * packet.ByteTimeAt125kBaudUs
	randomBackoffMaxUs     = 1000

	// Minimum low-to-data gap after the pulse, before header bytes start.
	// The source disagrees with itself here (a "40us" comment versus a
	// byte-time-multiplier macro in a different header); we pick the
	// byte-time multiplier for consistency with every other spacing
	// constant in this driver, and record the choice in the design notes.
	minLowToDataGapUs = 2 * packet.ByteTimeAt125kBaudUs
)

// byteTimeUs returns the duration of one UART byte at the given baud code.
func byteTimeUs(code packet.BaudCode) int { return 10 * int(code) }

// Diagnostics accumulates the counters get_diagnostics() reports.
type Diagnostics struct {
	BusTimeoutErrors uint32
	BusUARTErrors    uint32
	BusLoErrors      uint32
	PacketsReceived  uint32
	PacketsDropped   uint32
	PacketsSent      uint32
}

// Driver is the line driver. Construct with New, then Start it once.
type Driver struct {
	pin   hal.IRQPin
	uart  hal.UARTPort
	timer hal.Timer

	tx *framer.Queue
	rx *framer.Queue

	mu        sync.Mutex
	state     State
	maxBaud   packet.BaudCode
	diag      Diagnostics
	rng       *rand.Rand

	edges   chan edgeEvt
	txReady chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

type edgeEvt struct {
	high bool
	tsUs uint64
}

// New returns a line driver over the given HAL capabilities, with empty TX
// and RX queues of the project's standard depth.
func New(pin hal.IRQPin, uart hal.UARTPort, timer hal.Timer) *Driver {
	return &Driver{
		pin:     pin,
		uart:    uart,
		timer:   timer,
		tx:      framer.New(),
		rx:      framer.New(),
		state:   StateOff,
		maxBaud: packet.Baud1M, // no cap: accept any supported pulse rate
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		edges:   make(chan edgeEvt, 8),
		txReady: make(chan struct{}, 1),
	}
}

// Start acquires the GPIO line and begins listening for pulses.
func (d *Driver) Start() {
	d.mu.Lock()
	if d.state != StateOff {
		d.mu.Unlock()
		return
	}
	d.state = StateListeningForPulse
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.armListen()
	go d.run()
}

// Stop releases the GPIO/UART/timer and drops any in-flight state. The TX
// and RX queues are drained; nothing is delivered after Stop returns.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.state == StateOff {
		d.mu.Unlock()
		return
	}
	stop := d.stop
	d.mu.Unlock()

	close(stop)
	<-d.done

	_ = d.pin.ClearIRQ()
	d.timer.Cancel()
	d.tx.Drain()
	d.rx.Drain()

	d.mu.Lock()
	d.state = StateOff
	d.mu.Unlock()
}

// Send enqueues pkt for transmission. It never blocks: a full TX queue
// reports errcode.NoResources, and a stopped driver reports InvalidState.
func (d *Driver) Send(pkt *packet.Packet) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == StateOff {
		return errcode.InvalidState
	}
	if err := d.tx.Push(pkt); err != nil {
		return err
	}
	select {
	case d.txReady <- struct{}{}:
	default:
	}
	return nil
}

// GetPacket pops one received packet from the RX FIFO, or reports false if
// it is currently empty.
func (d *Driver) GetPacket() (*packet.Packet, bool) { return d.rx.Pop() }

// RXReady yields on each empty-to-non-empty transition of the RX queue, for
// a dispatcher that wants to block until there's something to read instead
// of polling GetPacket.
func (d *Driver) RXReady() <-chan struct{} { return d.rx.Readable() }

// SetMaximumBaud bounds the rate an incoming pulse is allowed to select and
// the rate the driver transmits at, for links that can't run the full 1 Mbps.
func (d *Driver) SetMaximumBaud(rate packet.BaudCode) error {
	if !rate.Valid() {
		return errcode.InvalidParameter
	}
	d.mu.Lock()
	d.maxBaud = rate
	d.mu.Unlock()
	return nil
}

func (d *Driver) GetState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) GetDiagnostics() Diagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diag
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// armListen (re)arms GPIO edge interrupts for ListeningForPulse. Called
// from Start and every time the driver returns to that state, never while
// the driver itself is driving the line.
func (d *Driver) armListen() {
	_ = d.pin.SetIRQ(hal.EdgeBoth, func() {
		level := d.pin.Get()
		select {
		case d.edges <- edgeEvt{high: level, tsUs: d.timer.NowUs()}:
		default:
			// ISR must never block; a missed edge surfaces as a stalled
			// pulse decode, which times out like any other line error.
		}
	})
}

// run is the driver's single goroutine: every line event, timer fire and
// send() wakeup passes through here, in the order the platform delivered
// them to us.
func (d *Driver) run() {
	defer close(d.done)

	var pulseStartUs uint64
	var timerCh <-chan struct{}
	var rxBuf []byte
	var rxBaud packet.BaudCode

	armByteTimeout := func(baud packet.BaudCode) {
		timerCh = d.timer.ArmAfter(2 * byteTimeUs(baud))
	}
	armLowPulseGuard := func() {
		timerCh = d.timer.ArmAfter(maxLowPulseUs)
	}
	armBusNormality := func() {
		timerCh = d.timer.ArmAfter(busNormalityIdleUs)
	}
	armBackoff := func() {
		jitter := d.rng.Intn(randomBackoffMaxUs + 1)
		// Clamp rather than trust the sum: the wait must never be shorter
		// than the mandatory inter-frame gap, nor longer than that gap
		// plus the full jitter window, whatever the jitter source does.
		wait := mathx.Clamp(minInterframeSpacingUs+jitter, minInterframeSpacingUs, minInterframeSpacingUs+randomBackoffMaxUs)
		timerCh = d.timer.ArmAfter(wait)
	}

	toErrorRecovery := func() {
		d.setState(StateErrorRecovery)
		rxBuf = nil
		armBusNormality()
	}

	for {
		select {
		case <-d.stop:
			return

		case ev := <-d.edges:
			switch d.GetState() {
			case StateListeningForPulse:
				if !ev.high {
					pulseStartUs = ev.tsUs
					armLowPulseGuard()
				} else if pulseStartUs != 0 {
					width := int(ev.tsUs - pulseStartUs)
					pulseStartUs = 0
					baud, ok := packet.DecodePulseCode(width)
					if !ok || baud < d.maxBaudLocked() {
						d.mu.Lock()
						d.diag.BusUARTErrors++
						d.mu.Unlock()
						toErrorRecovery()
						continue
					}
					_ = d.pin.ClearIRQ()
					_ = d.uart.SetBaudRate(uint32(baud.Bps()))
					rxBaud = baud
					rxBuf = rxBuf[:0]
					d.setState(StateReceiving)
					// The sender waits minLowToDataGapUs after the pulse
					// before its first byte, so the first window covers it.
					timerCh = d.timer.ArmAfter(minLowToDataGapUs + 2*byteTimeUs(baud))
				}
			case StateErrorRecovery:
				// Any edge during recovery restarts the idle-high window.
				armBusNormality()
			default:
				// Edges outside ListeningForPulse belong to a pulse we're
				// already decoding, or our own drive — ignored.
			}

		case <-timerCh:
			timerCh = nil
			switch d.GetState() {
			case StateListeningForPulse:
				if pulseStartUs != 0 {
					// Line held low past the max pulse window.
					pulseStartUs = 0
					d.mu.Lock()
					d.diag.BusLoErrors++
					d.mu.Unlock()
					toErrorRecovery()
					continue
				}
				d.transmitIfReady(armBackoff)

			case StateReceiving:
				d.mu.Lock()
				d.diag.BusTimeoutErrors++
				d.mu.Unlock()
				toErrorRecovery()

			case StateErrorRecovery:
				if !d.pin.Get() {
					// Still held low: the idle-high window has not begun.
					armBusNormality()
					continue
				}
				d.setState(StateListeningForPulse)
				d.armListen()
				if !d.tx.Empty() {
					armBackoff()
				}
			}

		case <-d.txReady:
			if d.GetState() == StateListeningForPulse && timerCh == nil {
				armBackoff()
			}

		case <-d.uartReadable():
			if d.GetState() != StateReceiving {
				continue
			}
			buf := make([]byte, 64)
			n, err := d.uart.Read(buf)
			if err != nil {
				d.mu.Lock()
				d.diag.BusUARTErrors++
				d.mu.Unlock()
				toErrorRecovery()
				continue
			}
			if n == 0 {
				continue
			}
			rxBuf = append(rxBuf, buf[:n]...)
			armByteTimeout(rxBaud)

			if len(rxBuf) < packet.HeaderSize {
				continue
			}
			want := packet.HeaderSize + int(rxBuf[3])
			if len(rxBuf) < want {
				continue
			}
			pkt, err := packet.Decode(rxBuf[:want])
			if err == nil {
				pkt.CommunicationRate = rxBaud
				if perr := d.rx.Push(&pkt); perr != nil {
					d.mu.Lock()
					d.diag.PacketsDropped++
					d.mu.Unlock()
				} else {
					d.mu.Lock()
					d.diag.PacketsReceived++
					d.mu.Unlock()
				}
			} else {
				d.mu.Lock()
				d.diag.PacketsDropped++
				d.mu.Unlock()
			}
			rxBuf = nil
			timerCh = nil
			d.setState(StateListeningForPulse)
			d.armListen()
			if !d.tx.Empty() {
				armBackoff()
			}
		}
	}
}

// uartReadable returns the port's readiness channel, or a nil channel
// (which blocks forever in select) if no UART is attached — used only by
// tests exercising the pulse/arbitration logic without RX traffic.
func (d *Driver) uartReadable() <-chan struct{} {
	if d.uart == nil {
		return nil
	}
	return d.uart.Readable()
}

func (d *Driver) maxBaudLocked() packet.BaudCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBaud
}

// transmitIfReady runs the TX arbitration + drive sequence when the
// backoff timer has fired (armed when a packet is queued, after a received
// frame completes, or on leaving ErrorRecovery) and the line is free. If
// another node has already pulled the line low it aborts and reschedules
// via armBackoff instead.
func (d *Driver) transmitIfReady(armBackoff func()) {
	if d.tx.Empty() {
		return
	}
	if !d.pin.Get() {
		armBackoff()
		return
	}

	pkt, ok := d.tx.Peek()
	if !ok {
		return
	}
	if !pkt.CommunicationRate.Valid() {
		pkt.CommunicationRate = packet.DefaultBaud
	}
	if maxBaud := d.maxBaudLocked(); pkt.CommunicationRate < maxBaud {
		pkt.CommunicationRate = maxBaud
	}

	_ = d.pin.ClearIRQ()
	d.setState(StateTransmitting)

	d.pin.DriveLow()
	<-d.timer.ArmAfter(packet.PulseWidthUs(pkt.CommunicationRate))
	d.pin.Release()
	<-d.timer.ArmAfter(minLowToDataGapUs)

	wire, err := pkt.Encode()
	if err == nil {
		_ = d.uart.SetBaudRate(uint32(pkt.CommunicationRate.Bps()))
		if _, werr := d.uart.Write(wire); werr == nil {
			d.mu.Lock()
			d.diag.PacketsSent++
			d.mu.Unlock()
		}
	}
	d.tx.Pop()

	d.setState(StateListeningForPulse)
	d.armListen()

	if !d.tx.Empty() {
		armBackoff()
	}
}
