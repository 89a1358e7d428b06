// Package sink models the downstream playback target the way Media
// Source Extensions expose it: per-media-type append buffers with an
// updating flag, an updateend event, buffered ranges, a playhead, and an
// async play request. The Feeder serializes container chunks into a
// buffer under back-pressure; MemorySink is the in-process
// implementation used by tests and the synthetic demo mode.
package sink

import "github.com/pipcast/pipcast/internal/media"

// Range is one buffered time range in seconds.
type Range struct {
	Start float64
	End   float64
}

// Buffer is one append target (MSE SourceBuffer shape).
type Buffer interface {
	// Append submits container bytes. Appends while Updating are a
	// contract violation; implementations ignore them. A synchronous
	// error reports rejection (quota and the like).
	Append(chunk media.ContainerChunk) error

	// Remove schedules removal of [start, end) seconds.
	Remove(start, end float64)

	// Buffered returns the current buffered ranges in ascending order.
	Buffered() []Range

	// Updating reports whether an append or remove is in flight.
	Updating() bool

	// OnUpdateEnd registers a listener fired after each completed update.
	OnUpdateEnd(fn func())
}

// Sink is the playback element owning both buffers.
type Sink interface {
	VideoBuffer() Buffer
	AudioBuffer() Buffer

	// CurrentTime returns the playhead position in seconds.
	CurrentTime() float64

	// Paused reports whether playback is paused.
	Paused() bool

	// Play requests playback; the host may deny it.
	Play() error

	// OnTimeUpdate registers a listener for playhead movement.
	OnTimeUpdate(fn func(currentTime float64))
}

// BufferedEnd returns the end of the last buffered range, or 0.
func BufferedEnd(ranges []Range) float64 {
	if len(ranges) == 0 {
		return 0
	}
	return ranges[len(ranges)-1].End
}

// BufferedStart returns the start of the first buffered range, or 0.
func BufferedStart(ranges []Range) float64 {
	if len(ranges) == 0 {
		return 0
	}
	return ranges[0].Start
}
