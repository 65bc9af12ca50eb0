//go:build !rp2040 && !rp2350

package hosthal

import (
	"context"
	"sync"
)

// UART is an in-memory, byte-channel loopback UART. Two UARTs linked with
// Wire hand bytes written on one straight to the other's receive buffer,
// simulating the DMA-backed single-wire link without real hardware.
type UART struct {
	mu       sync.Mutex
	rx       []byte
	readable chan struct{}
	peer     *UART
	baud     uint32
}

// NewUART returns an unconnected UART; call Wire to pair two of them.
func NewUART() *UART {
	return &UART{readable: make(chan struct{}, 1)}
}

// Wire connects a and b so each one's writes appear on the other's Read.
func Wire(a, b *UART) {
	a.peer = b
	b.peer = a
}

func (u *UART) SetBaudRate(bps uint32) error {
	u.mu.Lock()
	u.baud = bps
	u.mu.Unlock()
	return nil
}

func (u *UART) BaudRate() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.baud
}

func (u *UART) WriteByte(b byte) error {
	_, err := u.Write([]byte{b})
	return err
}

func (u *UART) Write(p []byte) (int, error) {
	if u.peer == nil {
		return len(p), nil
	}
	u.peer.deliver(p)
	return len(p), nil
}

func (u *UART) deliver(p []byte) {
	u.mu.Lock()
	wasEmpty := len(u.rx) == 0
	u.rx = append(u.rx, p...)
	u.mu.Unlock()

	if wasEmpty {
		select {
		case u.readable <- struct{}{}:
		default:
		}
	}
}

func (u *UART) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rx)
}

func (u *UART) Read(p []byte) (int, error) {
	u.mu.Lock()
	n := copy(p, u.rx)
	u.rx = u.rx[n:]
	u.mu.Unlock()
	return n, nil
}

func (u *UART) Readable() <-chan struct{} { return u.readable }

func (u *UART) RecvSomeContext(ctx context.Context, p []byte) (int, error) {
	if n := u.Buffered(); n > 0 {
		return u.Read(p)
	}
	select {
	case <-u.readable:
		return u.Read(p)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
