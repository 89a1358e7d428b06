// Package media defines the value types that flow through the pipcast
// pipeline, from segment fetch through demuxing, compositing, and muxing.
package media

import "errors"

// SourceID identifies one of the two input streams.
type SourceID int

const (
	SourceA SourceID = iota
	SourceB
)

func (s SourceID) String() string {
	if s == SourceA {
		return "A"
	}
	return "B"
}

// Other returns the opposite source.
func (s SourceID) Other() SourceID {
	if s == SourceA {
		return SourceB
	}
	return SourceA
}

// Track distinguishes the video and audio elementary streams of a source.
type Track int

const (
	TrackVideo Track = iota
	TrackAudio
)

func (t Track) String() string {
	if t == TrackVideo {
		return "video"
	}
	return "audio"
}

// SegmentKind distinguishes initialization segments from media segments.
type SegmentKind int

const (
	SegmentInit SegmentKind = iota
	SegmentMedia
)

func (k SegmentKind) String() string {
	if k == SegmentInit {
		return "init"
	}
	return "media"
}

// SegmentRecord is one fetched segment, ready to be appended to a demuxer.
// Bytes are owned by the record and dropped after the append.
type SegmentRecord struct {
	Kind     SegmentKind
	Track    Track
	Bytes    []byte
	PTS      int64 // µs
	Duration int64 // µs
}

// EncodedUnit is one encoded access unit emitted by a demuxer.
type EncodedUnit struct {
	Track      Track
	IsKeyframe bool
	PTS        int64 // µs
	Duration   int64 // µs
	Bytes      []byte
}

// EncodedChunk is one encoded output unit produced by a re-encoder.
type EncodedChunk struct {
	IsKeyframe bool
	PTS        int64 // µs
	Bytes      []byte
}

// ContainerChunk is a run of container bytes produced by a muxer,
// destined for one append into the playback sink. EndPTS is the highest
// media timestamp the chunk covers, in µs; sinks that parse the container
// ignore it, sinks that do not (the in-memory test sink) use it to track
// buffered ranges. Zero means the chunk carries no samples (headers).
type ContainerChunk struct {
	Bytes  []byte
	EndPTS int64
}

// Pipeline failure kinds. User-visible failures wrap one of these and are
// delivered as a terminal Error event through the host channel.
var (
	ErrNetworkFailure   = errors.New("network failure")
	ErrDemuxMalformed   = errors.New("malformed container data")
	ErrCodecUnsupported = errors.New("codec unsupported")
	ErrSinkRejected     = errors.New("sink rejected append")
	ErrAlreadyLoaded    = errors.New("player already loaded")
	ErrAborted          = errors.New("aborted")
)
