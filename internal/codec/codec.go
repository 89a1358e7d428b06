// Package codec defines the boundary to the host's codec engines. Engines
// follow a configure/feed/output shape: outputs are delivered through
// callbacks set at configure time, and QueueSize exposes in-flight depth
// so the pipeline can apply back-pressure. The engines themselves are
// external collaborators injected by the host; this repo ships
// instrumented fakes in codectest for tests and the synthetic demo mode.
package codec

import (
	"context"

	"github.com/pipcast/pipcast/internal/media"
)

// VideoDecoderConfig configures a video decoder.
type VideoDecoderConfig struct {
	// Codec is the codec string from the demuxed track, e.g. "avc1".
	Codec string
	// Config is the codec-specific configuration record.
	Config []byte

	OnFrame func(*media.RawVideoFrame)
	OnError func(error)
}

// AudioDecoderConfig configures an audio decoder.
type AudioDecoderConfig struct {
	// Codec is the codec string, e.g. "mp4a.40.2".
	Codec string
	// Config is the AudioSpecificConfig payload.
	Config     []byte
	SampleRate int
	Channels   int

	OnFrame func(*media.RawAudioFrame)
	OnError func(error)
}

// VideoEncoderConfig configures the composite video re-encoder.
type VideoEncoderConfig struct {
	Codec   string // "vp8"
	Width   int
	Height  int
	Bitrate int
	FPS     int

	OnChunk func(media.EncodedChunk)
	OnError func(error)
}

// AudioEncoderConfig configures the audio re-encoder.
type AudioEncoderConfig struct {
	Codec      string // "opus"
	SampleRate int
	Channels   int
	Bitrate    int

	OnChunk func(media.EncodedChunk)
	OnError func(error)
}

// VideoDecoder decodes encoded video units into raw frames. Every frame
// handed to OnFrame is owned by the receiver and must be released.
type VideoDecoder interface {
	Configure(VideoDecoderConfig) error
	Decode(media.EncodedUnit) error
	QueueSize() int
	Flush() error
	Close()
}

// AudioDecoder decodes encoded audio units into raw PCM frames.
type AudioDecoder interface {
	Configure(AudioDecoderConfig) error
	Decode(media.EncodedUnit) error
	QueueSize() int
	Flush() error
	Close()
}

// VideoEncoder encodes composited frames. Encode consumes the frame's
// pixel data before returning; the caller keeps ownership and releases
// the frame afterwards.
type VideoEncoder interface {
	Configure(VideoEncoderConfig) error
	Encode(frame *media.RawVideoFrame, forceKeyframe bool) error
	QueueSize() int
	Flush() error
	Close()
}

// AudioEncoder encodes raw PCM into the output audio codec.
type AudioEncoder interface {
	Configure(AudioEncoderConfig) error
	Encode(frame *media.RawAudioFrame) error
	QueueSize() int
	Flush() error
	Close()
}

// Engines bundles the host's engine factories plus the support probe the
// pipeline awaits before configuring an audio decoder.
type Engines struct {
	NewVideoDecoder func() VideoDecoder
	NewAudioDecoder func() AudioDecoder
	NewVideoEncoder func() VideoEncoder
	NewAudioEncoder func() AudioEncoder

	// IsAudioConfigSupported reports whether the host audio decoder can
	// handle the codec string. May block on the host (async probe).
	IsAudioConfigSupported func(ctx context.Context, codec string) bool
}
