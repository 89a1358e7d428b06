package media

import "sync/atomic"

// PipGeometry is the inset rectangle of the picture-in-picture overlay.
// The host's input handler writes it while the compositor reads it once
// per tick. Fields are written independently; no invariant spans two
// fields, so per-field atomics are enough and cross-field tearing within
// one frame is tolerated.
type PipGeometry struct {
	x, y, w, h atomic.Int32
}

// NewPipGeometry returns a geometry initialized to the given rectangle.
func NewPipGeometry(x, y, w, h int) *PipGeometry {
	g := &PipGeometry{}
	g.Set(x, y, w, h)
	return g
}

// Set writes all four fields. Each store is independently atomic.
func (g *PipGeometry) Set(x, y, w, h int) {
	g.x.Store(int32(x))
	g.y.Store(int32(y))
	g.w.Store(int32(clampMin(w, MinPiPSize)))
	g.h.Store(int32(clampMin(h, MinPiPSize)))
}

// Move updates only the position.
func (g *PipGeometry) Move(x, y int) {
	g.x.Store(int32(x))
	g.y.Store(int32(y))
}

// Resize updates only the size, clamped to the minimum PiP edge.
func (g *PipGeometry) Resize(w, h int) {
	g.w.Store(int32(clampMin(w, MinPiPSize)))
	g.h.Store(int32(clampMin(h, MinPiPSize)))
}

// Get reads the rectangle. The compositor calls this once at the top of
// each tick.
func (g *PipGeometry) Get() (x, y, w, h int) {
	return int(g.x.Load()), int(g.y.Load()), int(g.w.Load()), int(g.h.Load())
}

func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}
