//go:build !rp2040 && !rp2350

package hosthal

import (
	"sync"
	"time"
)

// Timer is a time.Timer-backed stand-in for the line driver's single
// microsecond compare channel.
type Timer struct {
	start time.Time

	mu sync.Mutex
	t  *time.Timer
	ch chan struct{}
}

// NewTimer returns a free-running timer, its zero point set to now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) NowUs() uint64 {
	return uint64(time.Since(t.start) / time.Microsecond)
}

// ArmAfter replaces any previously armed match with one that fires after us
// microseconds, matching the single-shot hardware compare register it models.
func (t *Timer) ArmAfter(us int) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	ch := make(chan struct{}, 1)
	t.ch = ch
	t.t = time.AfterFunc(time.Duration(us)*time.Microsecond, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch
}

func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
