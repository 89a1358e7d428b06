package compose

import (
	"sync"

	"github.com/pipcast/pipcast/internal/media"
)

// AudioRing keeps the last 60 seconds of one source's decoded PCM so an
// active-source switch can splice from history. Entries are clones made
// at ingress; the ring owns them until eviction, switch consumption, or
// shutdown, and releases each exactly once.
type AudioRing struct {
	mu      sync.Mutex
	entries []*media.RawAudioFrame
	cap     int
	evicted int64
}

// NewAudioRing returns a ring bounded to media.RingCapacity entries.
func NewAudioRing() *AudioRing {
	return &AudioRing{cap: media.RingCapacity}
}

// Push appends a frame, evicting and releasing the oldest entry when the
// ring is full.
func (r *AudioRing) Push(f *media.RawAudioFrame) {
	r.mu.Lock()
	var evict *media.RawAudioFrame
	if len(r.entries) >= r.cap {
		evict = r.entries[0]
		r.entries[0] = nil
		r.entries = r.entries[1:]
		r.evicted++
	}
	r.entries = append(r.entries, f)
	r.mu.Unlock()

	if evict != nil {
		evict.Release()
	}
}

// Len returns the number of held entries.
func (r *AudioRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evicted returns how many entries have been evicted by overflow.
func (r *AudioRing) Evicted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Snapshot returns the entries in order without transferring ownership.
// The ring still releases them; callers must finish with the slice
// before DrainRelease runs.
func (r *AudioRing) Snapshot() []*media.RawAudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*media.RawAudioFrame(nil), r.entries...)
}

// DrainRelease empties the ring, releasing every entry.
func (r *AudioRing) DrainRelease() {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for _, f := range entries {
		f.Release()
	}
}
