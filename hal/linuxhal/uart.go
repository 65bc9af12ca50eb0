//go:build linux && !tinygo

package linuxhal

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

// termios2 mirrors struct termios2 from <asm-generic/termbits.h>. The bus's
// four baud codes (125k/250k/500k/1M) aren't all representable as standard
// termios speed constants, so the UART is configured through TCGETS2/
// TCSETS2 with the BOTHER flag and an explicit input/output speed, the same
// custom-baud path the project's reference serial driver uses.
type termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	Ispeed uint32
	Ospeed uint32
}

const (
	cbaud  = 0o010017
	bother = 0o010000
	csize  = 0o000060
	cs8    = 0o000060
	clocal = 0o004000
	cread  = 0o000200
	parenb = 0o000400
	cstopb = 0o000100
)

var (
	reqTCGETS2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(termios2{}))
	reqTCSETS2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(termios2{}))
)

func rawIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// UART is a termios2-configured single-wire serial device. Only one of TX
// or RX is active at a time at the line-driver level, matching the bus's
// half-duplex discipline; the device node itself is opened full-duplex.
type UART struct {
	fd int

	mu       sync.Mutex
	readable chan struct{}
	closed   chan struct{}
}

// OpenUART opens the serial device node at path (e.g. "/dev/ttyAMA0") and
// configures it for raw, 8N1, custom-baud single-wire use.
func OpenUART(path string) (*UART, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("linuxhal: open %s: %w", path, err)
	}
	u := &UART{fd: fd, readable: make(chan struct{}, 1), closed: make(chan struct{})}
	if err := u.SetBaudRate(125_000); err != nil {
		unix.Close(fd)
		return nil, err
	}
	go u.pollLoop()
	return u, nil
}

// SetBaudRate reconfigures the port's custom baud via TCGETS2/TCSETS2,
// matching the BOTHER path: cflag's baud bits are cleared, BOTHER is set,
// and the exact rate is carried in Ispeed/Ospeed.
func (u *UART) SetBaudRate(bps uint32) error {
	var t termios2
	if err := rawIoctl(u.fd, reqTCGETS2, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("linuxhal: TCGETS2: %w", err)
	}

	t.Cflag &^= cbaud
	t.Cflag |= bother
	t.Cflag &^= csize
	t.Cflag |= cs8 | clocal | cread
	t.Cflag &^= parenb | cstopb
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Ispeed = bps
	t.Ospeed = bps

	if err := rawIoctl(u.fd, reqTCSETS2, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("linuxhal: TCSETS2: %w", err)
	}
	return nil
}

func (u *UART) WriteByte(b byte) error {
	_, err := u.Write([]byte{b})
	return err
}

func (u *UART) Write(p []byte) (int, error) {
	return unix.Write(u.fd, p)
}

func (u *UART) Read(p []byte) (int, error) {
	n, err := unix.Read(u.fd, p)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func (u *UART) Buffered() int {
	var n int
	if err := rawIoctl(u.fd, unix.TIOCINQ, unsafe.Pointer(&n)); err != nil {
		return 0
	}
	return n
}

func (u *UART) Readable() <-chan struct{} { return u.readable }

// pollLoop watches the fd for readability and raises an edge-coalesced
// notification, the same shape hosthal.UART uses for its loopback.
func (u *UART) pollLoop() {
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-u.closed:
			return
		default:
		}
		n, err := unix.Poll(fds, 250)
		if err != nil || n <= 0 {
			continue
		}
		select {
		case u.readable <- struct{}{}:
		default:
		}
	}
}

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

func (u *UART) Close() error {
	close(u.closed)
	return unix.Close(u.fd)
}
