package compose

import "time"

// Clock abstracts the host's monotonic clock so the tick loop can be
// driven deterministically in tests.
type Clock interface {
	// NowUS returns monotonic time in microseconds.
	NowUS() int64
	// Sleep suspends the compositor task.
	Sleep(d time.Duration)
}

// WallClock is the production clock.
type WallClock struct {
	origin time.Time
}

// NewWallClock returns a monotonic wall clock anchored at creation.
func NewWallClock() *WallClock {
	return &WallClock{origin: time.Now()}
}

func (c *WallClock) NowUS() int64 {
	return time.Since(c.origin).Microseconds()
}

func (c *WallClock) Sleep(d time.Duration) {
	time.Sleep(d)
}
