package media

import (
	"image"
	"sync/atomic"
)

// RawVideoFrame is one decoded picture. Frames are exclusively owned:
// whoever dequeues a frame must call Release exactly once, on every path
// including teardown. The backing image is only valid until release.
type RawVideoFrame struct {
	PTS   int64 // µs
	Image *image.RGBA

	release  func()
	released atomic.Bool
}

// NewRawVideoFrame wraps a decoded picture. The release hook returns the
// backing storage to its owner (decoder pool, GPU surface, ...) and may
// be nil.
func NewRawVideoFrame(img *image.RGBA, pts int64, release func()) *RawVideoFrame {
	return &RawVideoFrame{PTS: pts, Image: img, release: release}
}

// Release frees the frame. Returns true on the call that actually
// released it; a false return means the frame was already released,
// which is a caller bug.
func (f *RawVideoFrame) Release() bool {
	if !f.released.CompareAndSwap(false, true) {
		return false
	}
	if f.release != nil {
		f.release()
	}
	return true
}

// Released reports whether the frame has been released.
func (f *RawVideoFrame) Released() bool { return f.released.Load() }

// RawAudioFrame is one decoded run of planar PCM. Like video frames it is
// exclusively owned and must be released exactly once. Sharing requires an
// explicit Clone.
type RawAudioFrame struct {
	PTS      int64 // µs
	Duration int64 // µs
	Planes   [][]byte

	release  func()
	released atomic.Bool
}

// NewRawAudioFrame wraps decoded PCM planes with an optional release hook.
func NewRawAudioFrame(planes [][]byte, pts, duration int64, release func()) *RawAudioFrame {
	return &RawAudioFrame{PTS: pts, Duration: duration, Planes: planes, release: release}
}

// Release frees the frame. Returns false if it was already released.
func (f *RawAudioFrame) Release() bool {
	if !f.released.CompareAndSwap(false, true) {
		return false
	}
	if f.release != nil {
		f.release()
	}
	return true
}

// Released reports whether the frame has been released.
func (f *RawAudioFrame) Released() bool { return f.released.Load() }

// Clone duplicates the PCM into a new independently-owned frame. The
// clone's storage is heap-backed and its release is a plain drop.
func (f *RawAudioFrame) Clone() *RawAudioFrame {
	planes := make([][]byte, len(f.Planes))
	for i, p := range f.Planes {
		planes[i] = append([]byte(nil), p...)
	}
	return &RawAudioFrame{PTS: f.PTS, Duration: f.Duration, Planes: planes}
}
