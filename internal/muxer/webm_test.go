package muxer

import (
	"bytes"
	"testing"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipcast/pipcast/internal/media"
)

type chunkLog struct {
	chunks []media.ContainerChunk
}

func (cl *chunkLog) add(c media.ContainerChunk) {
	cl.chunks = append(cl.chunks, c)
}

func (cl *chunkLog) bytes() []byte {
	var buf bytes.Buffer
	for _, c := range cl.chunks {
		buf.Write(c.Bytes)
	}
	return buf.Bytes()
}

// container mirrors the written WebM structure for unmarshaling.
type container struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment,size=unknown"`
}

func TestVideoMuxer_EmitsHeaderBeforeFrames(t *testing.T) {
	var cl chunkLog
	m, err := NewVideoMuxer(media.CanvasWidth, media.CanvasHeight, cl.add, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NotEmpty(t, cl.chunks, "container header emitted at creation")
	for _, c := range cl.chunks {
		assert.Equal(t, int64(0), c.EndPTS, "header chunks carry no samples")
	}
}

func TestVideoMuxer_RoundTripTimestamp(t *testing.T) {
	var cl chunkLog
	m, err := NewVideoMuxer(media.CanvasWidth, media.CanvasHeight, cl.add, nil)
	require.NoError(t, err)

	const ptsUS = 1_500_000
	payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 0, Bytes: payload}))
	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: ptsUS, Bytes: payload}))
	require.NoError(t, m.Close())

	var got container
	require.NoError(t, ebml.Unmarshal(bytes.NewReader(cl.bytes()), &got))

	require.NotEmpty(t, got.Segment.Tracks.TrackEntry)
	assert.Equal(t, "V_VP8", got.Segment.Tracks.TrackEntry[0].CodecID)

	// Collect absolute block timestamps: cluster timecode + block offset.
	var stamps []int64
	for _, cluster := range got.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			stamps = append(stamps, int64(cluster.Timecode)+int64(block.Timecode))
		}
	}
	require.Len(t, stamps, 2)
	assert.Equal(t, int64(0), stamps[0])
	assert.Equal(t, int64(ptsUS/1000), stamps[1], "timestamp survives to ms precision")
}

func TestVideoMuxer_RejectsBackwardPTS(t *testing.T) {
	var cl chunkLog
	m, err := NewVideoMuxer(media.CanvasWidth, media.CanvasHeight, cl.add, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 100_000, Bytes: []byte{1}}))

	// Equal is fine for video (non-decreasing), backwards is not.
	assert.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: false, PTS: 100_000, Bytes: []byte{2}}))
	assert.Error(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: false, PTS: 99_999, Bytes: []byte{3}}))
}

func TestAudioMuxer_StrictlyIncreasing(t *testing.T) {
	var cl chunkLog
	m, err := NewAudioMuxer(cl.add, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 100_000, Bytes: []byte{1}}))
	assert.Error(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 100_000, Bytes: []byte{2}}),
		"equal PTS rejected on the audio track")
	assert.Error(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 50_000, Bytes: []byte{3}}))
	assert.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 120_000, Bytes: []byte{4}}))
}

func TestAudioMuxer_RecreationAcceptsEarlierPTS(t *testing.T) {
	var cl chunkLog
	m, err := NewAudioMuxer(cl.add, nil)
	require.NoError(t, err)

	// The first muxer's timeline runs ahead of the splice point.
	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 19_000_000, Bytes: []byte{1}}))
	assert.Error(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 3_100_000, Bytes: []byte{2}}))
	m.Discard()

	// A fresh muxer has no timestamp history and takes the splice.
	m2, err := NewAudioMuxer(cl.add, nil)
	require.NoError(t, err)
	defer m2.Close()
	assert.NoError(t, m2.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 3_100_000, Bytes: []byte{2}}))

	last, started := m2.LastPTS()
	assert.True(t, started)
	assert.Equal(t, int64(3_100_000), last)
}

func TestMuxer_ChunkEndPTSStamped(t *testing.T) {
	var cl chunkLog
	m, err := NewAudioMuxer(cl.add, nil)
	require.NoError(t, err)
	defer m.Close()

	headerChunks := len(cl.chunks)
	require.NoError(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 20_000, Bytes: []byte{1, 2}}))

	require.Greater(t, len(cl.chunks), headerChunks)
	for _, c := range cl.chunks[headerChunks:] {
		assert.Equal(t, int64(20_000), c.EndPTS)
	}
}

func TestVideoMuxer_WriteAfterCloseFails(t *testing.T) {
	var cl chunkLog
	m, err := NewVideoMuxer(media.CanvasWidth, media.CanvasHeight, cl.add, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	assert.Error(t, m.WriteChunk(media.EncodedChunk{IsKeyframe: true, PTS: 0, Bytes: []byte{1}}))
}
