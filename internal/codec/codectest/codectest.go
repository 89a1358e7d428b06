// Package codectest provides instrumented in-memory codec engines. They
// synthesize frames instead of decoding and count every allocation and
// release, which is what the pipeline tests lean on to prove the
// release-exactly-once invariant. The synthetic engines also back the
// `pipcast play --synthetic` smoke mode.
package codectest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/pipcast/pipcast/internal/codec"
	"github.com/pipcast/pipcast/internal/media"
)

// Tracker accounts for raw frame lifetimes across one test or run.
type Tracker struct {
	videoCreated  atomic.Int64
	videoReleased atomic.Int64
	audioCreated  atomic.Int64
	audioReleased atomic.Int64
}

// NewVideoFrame allocates a solid-color tracked frame.
func (tr *Tracker) NewVideoFrame(w, h int, pts int64, fill color.RGBA) *media.RawVideoFrame {
	tr.videoCreated.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = fill.R
		img.Pix[i+1] = fill.G
		img.Pix[i+2] = fill.B
		img.Pix[i+3] = fill.A
	}
	return media.NewRawVideoFrame(img, pts, func() { tr.videoReleased.Add(1) })
}

// NewAudioFrame allocates a tracked PCM frame of the given duration.
func (tr *Tracker) NewAudioFrame(pts, duration int64) *media.RawAudioFrame {
	tr.audioCreated.Add(1)
	samples := int(duration * media.AudioSampleRate / 1_000_000)
	planes := make([][]byte, media.AudioChannels)
	for i := range planes {
		planes[i] = make([]byte, samples*2)
	}
	return media.NewRawAudioFrame(planes, pts, duration, func() { tr.audioReleased.Add(1) })
}

// VideoBalance returns created and released video frame counts.
func (tr *Tracker) VideoBalance() (created, released int64) {
	return tr.videoCreated.Load(), tr.videoReleased.Load()
}

// AudioBalance returns created and released audio frame counts.
func (tr *Tracker) AudioBalance() (created, released int64) {
	return tr.audioCreated.Load(), tr.audioReleased.Load()
}

// Leaked reports how many tracked frames are still unreleased.
func (tr *Tracker) Leaked() int64 {
	vc, vr := tr.VideoBalance()
	ac, ar := tr.AudioBalance()
	return (vc - vr) + (ac - ar)
}

// VideoDecoder synthesizes one solid-color frame per fed unit,
// synchronously on the feeding goroutine.
type VideoDecoder struct {
	tracker *Tracker
	fill    color.RGBA

	mu      sync.Mutex
	cfg     codec.VideoDecoderConfig
	decoded atomic.Int64
	closed  bool
}

// NewVideoDecoder returns a decoder that emits frames of the given color.
func NewVideoDecoder(tracker *Tracker, fill color.RGBA) *VideoDecoder {
	return &VideoDecoder{tracker: tracker, fill: fill}
}

func (d *VideoDecoder) Configure(cfg codec.VideoDecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *VideoDecoder) Decode(u media.EncodedUnit) error {
	d.mu.Lock()
	cfg := d.cfg
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("decoder closed")
	}
	d.decoded.Add(1)
	if cfg.OnFrame != nil {
		cfg.OnFrame(d.tracker.NewVideoFrame(320, 240, u.PTS, d.fill))
	}
	return nil
}

func (d *VideoDecoder) QueueSize() int { return 0 }
func (d *VideoDecoder) Flush() error   { return nil }
func (d *VideoDecoder) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Decoded returns how many units were fed.
func (d *VideoDecoder) Decoded() int64 { return d.decoded.Load() }

// AudioDecoder synthesizes silent PCM frames, one per fed unit.
type AudioDecoder struct {
	tracker *Tracker

	mu      sync.Mutex
	cfg     codec.AudioDecoderConfig
	closed  bool
	decoded atomic.Int64
}

// NewAudioDecoder returns a PCM-synthesizing audio decoder.
func NewAudioDecoder(tracker *Tracker) *AudioDecoder {
	return &AudioDecoder{tracker: tracker}
}

func (d *AudioDecoder) Configure(cfg codec.AudioDecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *AudioDecoder) Decode(u media.EncodedUnit) error {
	d.mu.Lock()
	cfg := d.cfg
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("decoder closed")
	}
	d.decoded.Add(1)
	if cfg.OnFrame != nil {
		dur := u.Duration
		if dur == 0 {
			dur = media.AudioGrainUS
		}
		cfg.OnFrame(d.tracker.NewAudioFrame(u.PTS, dur))
	}
	return nil
}

func (d *AudioDecoder) QueueSize() int { return 0 }
func (d *AudioDecoder) Flush() error   { return nil }
func (d *AudioDecoder) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// VideoEncoder emits one synthetic chunk per submitted frame. Its queue
// depth is test-settable to exercise the saturation drop path.
type VideoEncoder struct {
	mu      sync.Mutex
	cfg     codec.VideoEncoderConfig
	ptsLog  []int64
	keyLog  []bool
	depth   atomic.Int32
	encoded atomic.Int64
}

// NewVideoEncoder returns a synthetic VP8 encoder stand-in.
func NewVideoEncoder() *VideoEncoder { return &VideoEncoder{} }

func (e *VideoEncoder) Configure(cfg codec.VideoEncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return nil
}

func (e *VideoEncoder) Encode(frame *media.RawVideoFrame, forceKeyframe bool) error {
	e.mu.Lock()
	cfg := e.cfg
	e.ptsLog = append(e.ptsLog, frame.PTS)
	e.keyLog = append(e.keyLog, forceKeyframe)
	e.mu.Unlock()

	e.encoded.Add(1)
	if cfg.OnChunk != nil {
		cfg.OnChunk(media.EncodedChunk{
			IsKeyframe: forceKeyframe,
			PTS:        frame.PTS,
			Bytes:      synthPayload(0x9d, frame.PTS),
		})
	}
	return nil
}

func (e *VideoEncoder) QueueSize() int { return int(e.depth.Load()) }
func (e *VideoEncoder) Flush() error   { return nil }
func (e *VideoEncoder) Close()         {}

// SetQueueSize overrides the reported in-flight depth (saturation tests).
func (e *VideoEncoder) SetQueueSize(n int) { e.depth.Store(int32(n)) }

// Encoded returns how many frames were accepted.
func (e *VideoEncoder) Encoded() int64 { return e.encoded.Load() }

// PTSLog returns the submitted frame timestamps in order.
func (e *VideoEncoder) PTSLog() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ptsLog...)
}

// KeyLog returns the keyframe flags in submission order.
func (e *VideoEncoder) KeyLog() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.keyLog...)
}

// AudioEncoder emits one synthetic Opus-sized chunk per PCM frame.
type AudioEncoder struct {
	mu      sync.Mutex
	cfg     codec.AudioEncoderConfig
	ptsLog  []int64
	encoded atomic.Int64
}

// NewAudioEncoder returns a synthetic Opus encoder stand-in.
func NewAudioEncoder() *AudioEncoder { return &AudioEncoder{} }

func (e *AudioEncoder) Configure(cfg codec.AudioEncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return nil
}

func (e *AudioEncoder) Encode(frame *media.RawAudioFrame) error {
	e.mu.Lock()
	cfg := e.cfg
	e.ptsLog = append(e.ptsLog, frame.PTS)
	e.mu.Unlock()

	e.encoded.Add(1)
	if cfg.OnChunk != nil {
		cfg.OnChunk(media.EncodedChunk{
			IsKeyframe: true,
			PTS:        frame.PTS,
			Bytes:      synthPayload(0xfc, frame.PTS),
		})
	}
	return nil
}

func (e *AudioEncoder) QueueSize() int { return 0 }
func (e *AudioEncoder) Flush() error   { return nil }
func (e *AudioEncoder) Close()         {}

// PTSLog returns the submitted PCM timestamps in order.
func (e *AudioEncoder) PTSLog() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ptsLog...)
}

func synthPayload(marker byte, pts int64) []byte {
	b := make([]byte, 16)
	b[0] = marker
	for i := 0; i < 8; i++ {
		b[1+i] = byte(pts >> (8 * i))
	}
	return b
}

// Harness bundles a tracker with engine factories wired to it.
type Harness struct {
	Tracker *Tracker

	mu            sync.Mutex
	videoEncoders []*VideoEncoder
	audioEncoders []*AudioEncoder

	// UnsupportedAudio lists codec strings the fake host rejects.
	UnsupportedAudio map[string]bool
}

// NewHarness returns a Harness that accepts every audio codec except
// mp4a.40.34 (the spec's canonical unsupported profile).
func NewHarness() *Harness {
	return &Harness{
		Tracker:          &Tracker{},
		UnsupportedAudio: map[string]bool{"mp4a.40.34": true},
	}
}

// Engines returns the codec.Engines wiring for this harness. Video
// decoder fills alternate so composited output differs per source.
func (h *Harness) Engines() codec.Engines {
	fills := []color.RGBA{
		{R: 0x20, G: 0x60, B: 0xc0, A: 0xff},
		{R: 0xc0, G: 0x40, B: 0x20, A: 0xff},
	}
	var nextFill atomic.Int32

	return codec.Engines{
		NewVideoDecoder: func() codec.VideoDecoder {
			i := int(nextFill.Add(1)-1) % len(fills)
			return NewVideoDecoder(h.Tracker, fills[i])
		},
		NewAudioDecoder: func() codec.AudioDecoder {
			return NewAudioDecoder(h.Tracker)
		},
		NewVideoEncoder: func() codec.VideoEncoder {
			e := NewVideoEncoder()
			h.mu.Lock()
			h.videoEncoders = append(h.videoEncoders, e)
			h.mu.Unlock()
			return e
		},
		NewAudioEncoder: func() codec.AudioEncoder {
			e := NewAudioEncoder()
			h.mu.Lock()
			h.audioEncoders = append(h.audioEncoders, e)
			h.mu.Unlock()
			return e
		},
		IsAudioConfigSupported: func(_ context.Context, codecStr string) bool {
			return !h.UnsupportedAudio[codecStr]
		},
	}
}

// VideoEncoders returns every video encoder the harness handed out.
func (h *Harness) VideoEncoders() []*VideoEncoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*VideoEncoder(nil), h.videoEncoders...)
}

// AudioEncoders returns every audio encoder the harness handed out.
func (h *Harness) AudioEncoders() []*AudioEncoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*AudioEncoder(nil), h.audioEncoders...)
}
