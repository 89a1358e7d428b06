package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/pipcast/pipcast/internal/media"
)

// MemorySink is an in-process Sink. Updates complete asynchronously on
// their own goroutine, like a real media element, so feeder serialization
// is exercised for real. Buffered ranges are tracked from chunk EndPTS
// hints; a fresh range anchors at zero, which matches the pipeline's
// append pattern (continuous from stream start).
type MemorySink struct {
	video *MemoryBuffer
	audio *MemoryBuffer

	mu          sync.Mutex
	currentTime float64
	paused      bool
	denyPlay    bool
	playCalls   int
	timeSubs    []func(float64)
}

// NewMemorySink returns a sink with both buffers idle and playback paused.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		video:  newMemoryBuffer(),
		audio:  newMemoryBuffer(),
		paused: true,
	}
}

func (s *MemorySink) VideoBuffer() Buffer { return s.video }
func (s *MemorySink) AudioBuffer() Buffer { return s.audio }

// Video returns the concrete video buffer for test assertions.
func (s *MemorySink) Video() *MemoryBuffer { return s.video }

// Audio returns the concrete audio buffer for test assertions.
func (s *MemorySink) Audio() *MemoryBuffer { return s.audio }

func (s *MemorySink) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

// SetCurrentTime moves the playhead and notifies time listeners.
func (s *MemorySink) SetCurrentTime(t float64) {
	s.mu.Lock()
	s.currentTime = t
	subs := append(([]func(float64))(nil), s.timeSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (s *MemorySink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPlayDenied makes subsequent Play calls fail (host policy).
func (s *MemorySink) SetPlayDenied(deny bool) {
	s.mu.Lock()
	s.denyPlay = deny
	s.mu.Unlock()
}

func (s *MemorySink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCalls++
	if s.denyPlay {
		return fmt.Errorf("play request denied")
	}
	s.paused = false
	return nil
}

// PlayCalls returns how many times Play was requested.
func (s *MemorySink) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}

func (s *MemorySink) OnTimeUpdate(fn func(float64)) {
	s.mu.Lock()
	s.timeSubs = append(s.timeSubs, fn)
	s.mu.Unlock()
}

// MemoryBuffer is one in-process append target.
type MemoryBuffer struct {
	mu        sync.Mutex
	updating  bool
	ranges    []Range
	listeners []func()
	latency   time.Duration

	failErr   error
	failCount int

	appends int64
	removes [][2]float64
	bytes   int64
}

func newMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{latency: 200 * time.Microsecond}
}

// SetLatency adjusts the simulated update completion delay.
func (b *MemoryBuffer) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// FailNextAppends makes the next n Append calls return err synchronously.
func (b *MemoryBuffer) FailNextAppends(err error, n int) {
	b.mu.Lock()
	b.failErr = err
	b.failCount = n
	b.mu.Unlock()
}

// Appends returns how many appends completed.
func (b *MemoryBuffer) Appends() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appends
}

// Bytes returns total appended bytes.
func (b *MemoryBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// SetBuffered overrides the buffered ranges (test setup).
func (b *MemoryBuffer) SetBuffered(ranges []Range) {
	b.mu.Lock()
	b.ranges = append([]Range(nil), ranges...)
	b.mu.Unlock()
}

// Removes returns the log of remove calls.
func (b *MemoryBuffer) Removes() [][2]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]float64(nil), b.removes...)
}

func (b *MemoryBuffer) Append(chunk media.ContainerChunk) error {
	b.mu.Lock()
	if b.updating {
		// Contract violation by the caller; a real source buffer throws.
		b.mu.Unlock()
		return nil
	}
	if b.failCount > 0 {
		b.failCount--
		err := b.failErr
		b.mu.Unlock()
		return err
	}
	b.updating = true
	latency := b.latency
	b.mu.Unlock()

	go func() {
		time.Sleep(latency)
		b.mu.Lock()
		b.appends++
		b.bytes += int64(len(chunk.Bytes))
		if chunk.EndPTS > 0 {
			end := float64(chunk.EndPTS) / 1e6
			if len(b.ranges) == 0 {
				b.ranges = []Range{{Start: 0, End: end}}
			} else {
				last := &b.ranges[len(b.ranges)-1]
				if end > last.End {
					last.End = end
				}
			}
		}
		b.finishLocked()
	}()
	return nil
}

func (b *MemoryBuffer) Remove(start, end float64) {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		return
	}
	b.updating = true
	latency := b.latency
	b.mu.Unlock()

	go func() {
		time.Sleep(latency)
		b.mu.Lock()
		b.removes = append(b.removes, [2]float64{start, end})
		b.ranges = subtractRange(b.ranges, start, end)
		b.finishLocked()
	}()
}

// finishLocked clears updating and fires listeners. Caller holds b.mu;
// the lock is released inside.
func (b *MemoryBuffer) finishLocked() {
	b.updating = false
	listeners := append(([]func())(nil), b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (b *MemoryBuffer) Buffered() []Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Range(nil), b.ranges...)
}

func (b *MemoryBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *MemoryBuffer) OnUpdateEnd(fn func()) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// subtractRange removes [start, end) from the range list, splitting
// ranges that straddle it.
func subtractRange(ranges []Range, start, end float64) []Range {
	out := make([]Range, 0, len(ranges)+1)
	for _, r := range ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Range{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, Range{Start: end, End: r.End})
		}
	}
	return out
}
