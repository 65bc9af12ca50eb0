//go:build linux && !tinygo

package linuxhal

import "jacdac/hal/hosthal"

// Timer reuses the portable, time.Timer-backed implementation: nothing
// about the free-running microsecond clock or its one-shot match channel
// is Linux-specific, unlike the pin and UART adapters above.
type Timer = hosthal.Timer

func NewTimer() *Timer { return hosthal.NewTimer() }
