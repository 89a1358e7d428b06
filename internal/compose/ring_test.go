package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipcast/pipcast/internal/media"
)

func pcmFrame(pts int64, onRelease func()) *media.RawAudioFrame {
	return media.NewRawAudioFrame([][]byte{make([]byte, 1920)}, pts, media.AudioGrainUS, onRelease)
}

func TestAudioRing_BoundAndEviction(t *testing.T) {
	released := 0
	r := NewAudioRing()

	total := media.RingCapacity + 100
	for i := 0; i < total; i++ {
		r.Push(pcmFrame(int64(i)*media.AudioGrainUS, func() { released++ }))
		assert.LessOrEqual(t, r.Len(), media.RingCapacity)
	}

	assert.Equal(t, media.RingCapacity, r.Len())
	assert.Equal(t, int64(100), r.Evicted())
	assert.Equal(t, 100, released)

	// The oldest surviving entry is the 101st pushed frame.
	entries := r.Snapshot()
	assert.Equal(t, int64(100)*media.AudioGrainUS, entries[0].PTS)
}

func TestAudioRing_DrainReleasesAll(t *testing.T) {
	released := 0
	r := NewAudioRing()
	for i := 0; i < 50; i++ {
		r.Push(pcmFrame(int64(i), func() { released++ }))
	}

	r.DrainRelease()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 50, released)

	// Draining an empty ring is a no-op.
	r.DrainRelease()
	assert.Equal(t, 50, released)
}
