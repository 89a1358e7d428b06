package media

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawVideoFrame_ReleaseExactlyOnce(t *testing.T) {
	released := 0
	f := NewRawVideoFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), 0, func() { released++ })

	require.False(t, f.Released())
	assert.True(t, f.Release())
	assert.True(t, f.Released())
	assert.Equal(t, 1, released)

	// Second release is a caller bug: reported false, hook not re-run.
	assert.False(t, f.Release())
	assert.Equal(t, 1, released)
}

func TestRawAudioFrame_CloneIsIndependent(t *testing.T) {
	released := 0
	orig := NewRawAudioFrame([][]byte{{1, 2, 3}, {4, 5, 6}}, 100, AudioGrainUS, func() { released++ })

	clone := orig.Clone()
	require.True(t, orig.Release())
	assert.Equal(t, 1, released)

	// The clone's storage survives the original's release.
	assert.Equal(t, []byte{1, 2, 3}, clone.Planes[0])
	assert.Equal(t, int64(100), clone.PTS)
	assert.False(t, clone.Released())

	clone.Planes[0][0] = 9
	assert.True(t, clone.Release())
	assert.False(t, clone.Release())
}

func TestPipGeometry_MinimumSize(t *testing.T) {
	g := NewPipGeometry(10, 20, 160, 120)
	g.Resize(10, 500)

	_, _, w, h := g.Get()
	assert.Equal(t, MinPiPSize, w)
	assert.Equal(t, 500, h)
}

func TestSourceID_Other(t *testing.T) {
	assert.Equal(t, SourceB, SourceA.Other())
	assert.Equal(t, SourceA, SourceB.Other())
	assert.Equal(t, "A", SourceA.String())
	assert.Equal(t, "B", SourceB.String())
}
