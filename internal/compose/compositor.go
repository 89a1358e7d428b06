// Package compose drives the output side of the pipeline: a 30 fps tick
// loop that dequeues one decoded frame per source, draws the
// picture-in-picture composite, re-encodes video and the active source's
// audio, and streams both through WebM muxers into the sink feeders. The
// active-audio switch protocol lives here too.
package compose

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipcast/pipcast/internal/codec"
	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/muxer"
	"github.com/pipcast/pipcast/internal/sink"
)

// audioQueueDepth bounds a source's decoded-PCM queue. Audio is drained
// fully every tick, so this only absorbs decode bursts.
const audioQueueDepth = 512

// Input is one source's decoded output as the compositor consumes it.
type Input struct {
	ID    media.SourceID
	Video *codec.Queue[*media.RawVideoFrame]
	Audio *codec.Queue[*media.RawAudioFrame]

	videoDone atomic.Bool
	audioDone atomic.Bool
}

// NewInput allocates the bounded queues for one source.
func NewInput(id media.SourceID) *Input {
	return &Input{
		ID:    id,
		Video: codec.NewQueue[*media.RawVideoFrame](media.DecoderQueueDepth),
		Audio: codec.NewQueue[*media.RawAudioFrame](audioQueueDepth),
	}
}

// MarkVideoDone signals that no further video frames will arrive.
func (in *Input) MarkVideoDone() { in.videoDone.Store(true) }

// MarkAudioDone signals that no further audio frames will arrive.
func (in *Input) MarkAudioDone() { in.audioDone.Store(true) }

// VideoDone reports whether the video stream has ended.
func (in *Input) VideoDone() bool { return in.videoDone.Load() }

// Stats is a point-in-time snapshot of compositor counters.
type Stats struct {
	FramesComposited int64 `json:"frames_composited"`
	FramesDropped    int64 `json:"frames_dropped"`
	AudioFramesFed   int64 `json:"audio_frames_fed"`
	Switches         int64 `json:"switches"`
	RingLenA         int   `json:"ring_len_a"`
	RingLenB         int   `json:"ring_len_b"`
}

// Options configures a Compositor.
type Options struct {
	Clock    Clock
	Geometry *media.PipGeometry

	// Inputs are the two source streams, indexed by SourceID.
	Inputs [2]*Input

	// VideoEncoder and AudioEncoder are unconfigured engines; the
	// compositor configures them with its own output callbacks.
	VideoEncoder codec.VideoEncoder
	AudioEncoder codec.AudioEncoder

	Sink        sink.Sink
	VideoFeeder *sink.Feeder
	AudioFeeder *sink.Feeder

	// VideoTap and AudioTap observe container chunks alongside the
	// feeders (the HTTP re-stream endpoints). May be nil.
	VideoTap muxer.ChunkFunc
	AudioTap muxer.ChunkFunc

	OnActiveChanged func(media.SourceID)
	OnError         func(error)

	Width  int
	Height int
	Log    *slog.Logger
}

// Compositor owns the single-threaded output loop. All mutable pipeline
// state (active source, audio grid position, rings, muxers) is touched
// only from Run's goroutine; external control arrives through queued
// commands executed between ticks.
type Compositor struct {
	log   *slog.Logger
	clock Clock
	geo   *media.PipGeometry

	inputs [2]*Input
	rings  [2]*AudioRing

	videoEnc codec.VideoEncoder
	audioEnc codec.AudioEncoder

	videoMux *muxer.VideoMuxer
	audioMux *muxer.AudioMuxer

	snk         sink.Sink
	videoFeeder *sink.Feeder
	audioFeeder *sink.Feeder
	videoTap    muxer.ChunkFunc
	audioTap    muxer.ChunkFunc

	width  int
	height int

	swapped atomic.Bool

	cmdMu sync.Mutex
	cmds  []func()

	active          media.SourceID
	activePublished atomic.Int32
	lastEmitted     atomic.Int64
	frameIndex      int64
	ticks           int64

	canvasPool sync.Pool

	framesComposited atomic.Int64
	framesDropped    atomic.Int64
	audioFed         atomic.Int64
	switches         atomic.Int64

	onActiveChanged func(media.SourceID)
	onError         func(error)
}

// New wires a Compositor: creates both muxers (emitting their header
// chunks) and configures both encoders.
func New(opts Options) (*Compositor, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewWallClock()
	}
	width := opts.Width
	if width == 0 {
		width = media.CanvasWidth
	}
	height := opts.Height
	if height == 0 {
		height = media.CanvasHeight
	}

	c := &Compositor{
		log:             log.With("component", "compositor"),
		clock:           clock,
		geo:             opts.Geometry,
		inputs:          opts.Inputs,
		rings:           [2]*AudioRing{NewAudioRing(), NewAudioRing()},
		videoEnc:        opts.VideoEncoder,
		audioEnc:        opts.AudioEncoder,
		snk:             opts.Sink,
		videoFeeder:     opts.VideoFeeder,
		audioFeeder:     opts.AudioFeeder,
		videoTap:        opts.VideoTap,
		audioTap:        opts.AudioTap,
		width:           width,
		height:          height,
		active:          media.SourceA,
		onActiveChanged: opts.OnActiveChanged,
		onError:         opts.OnError,
	}
	if c.geo == nil {
		c.geo = media.NewPipGeometry(width-width/4-16, height-height/4-16, width/4, height/4)
	}
	c.canvasPool.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, width, height))
	}

	videoMux, err := muxer.NewVideoMuxer(width, height, c.pushVideoChunk, log)
	if err != nil {
		return nil, err
	}
	c.videoMux = videoMux

	audioMux, err := muxer.NewAudioMuxer(c.pushAudioChunk, log)
	if err != nil {
		return nil, err
	}
	c.audioMux = audioMux

	if err := c.videoEnc.Configure(codec.VideoEncoderConfig{
		Codec:   "vp8",
		Width:   width,
		Height:  height,
		Bitrate: media.VideoBitrate,
		FPS:     media.OutputFPS,
		OnChunk: c.onVideoChunk,
		OnError: c.fail,
	}); err != nil {
		return nil, err
	}
	if err := c.audioEnc.Configure(codec.AudioEncoderConfig{
		Codec:      "opus",
		SampleRate: media.AudioSampleRate,
		Channels:   media.AudioChannels,
		Bitrate:    media.AudioBitrate,
		OnChunk:    c.onAudioChunk,
		OnError:    c.fail,
	}); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Compositor) pushVideoChunk(chunk media.ContainerChunk) {
	if c.videoFeeder != nil {
		c.videoFeeder.Push(chunk)
	}
	if c.videoTap != nil {
		c.videoTap(chunk)
	}
}

func (c *Compositor) pushAudioChunk(chunk media.ContainerChunk) {
	if c.audioFeeder != nil {
		c.audioFeeder.Push(chunk)
	}
	if c.audioTap != nil {
		c.audioTap(chunk)
	}
}

func (c *Compositor) onVideoChunk(chunk media.EncodedChunk) {
	if err := c.videoMux.WriteChunk(chunk); err != nil {
		// Unreachable by construction: video PTS is a monotone frame grid.
		c.log.Error("video mux rejected chunk", "pts", chunk.PTS, "error", err)
	}
}

func (c *Compositor) onAudioChunk(chunk media.EncodedChunk) {
	err := c.audioMux.WriteChunk(chunk)
	if err == nil {
		return
	}
	// Out-of-order audio should be impossible; if it happens anyway,
	// recreate the muxer and resume from this chunk.
	c.log.Warn("audio mux rejected chunk, recreating muxer", "pts", chunk.PTS, "error", err)
	if err := c.recreateAudioMuxer(); err != nil {
		c.fail(err)
		return
	}
	if err := c.audioMux.WriteChunk(chunk); err != nil {
		c.log.Error("audio mux rejected chunk after recreate", "pts", chunk.PTS, "error", err)
	}
}

func (c *Compositor) recreateAudioMuxer() error {
	c.audioMux.Discard()
	m, err := muxer.NewAudioMuxer(c.pushAudioChunk, c.log)
	if err != nil {
		return err
	}
	c.audioMux = m
	return nil
}

func (c *Compositor) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// SetSwapped exchanges which source is background and which is PiP.
func (c *Compositor) SetSwapped(swapped bool) {
	c.swapped.Store(swapped)
}

// Swapped reports the current composition order.
func (c *Compositor) Swapped() bool { return c.swapped.Load() }

// SetActive schedules the audio switch protocol onto the compositor
// task. Safe to call from any goroutine.
func (c *Compositor) SetActive(id media.SourceID) {
	c.enqueue(func() { c.doSetActive(id) })
}

// Active returns the last published active audio source. The active
// field itself is confined to the compositor goroutine; outside
// observers get the value as of the last completed switch.
func (c *Compositor) Active() media.SourceID {
	return media.SourceID(c.activePublished.Load())
}

// Snapshot returns the current counters.
func (c *Compositor) Snapshot() Stats {
	return Stats{
		FramesComposited: c.framesComposited.Load(),
		FramesDropped:    c.framesDropped.Load(),
		AudioFramesFed:   c.audioFed.Load(),
		Switches:         c.switches.Load(),
		RingLenA:         c.rings[0].Len(),
		RingLenB:         c.rings[1].Len(),
	}
}

func (c *Compositor) enqueue(cmd func()) {
	c.cmdMu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.cmdMu.Unlock()
}

func (c *Compositor) drainCmds() {
	c.cmdMu.Lock()
	cmds := c.cmds
	c.cmds = nil
	c.cmdMu.Unlock()
	for _, cmd := range cmds {
		cmd()
	}
}

// Run executes the tick loop until both sources end or the context is
// cancelled. It always tears down: queued frames, rings, encoders, and
// muxers are released on every exit path.
func (c *Compositor) Run(ctx context.Context) error {
	defer c.teardown()

	start := c.clock.NowUS()
	for {
		if ctx.Err() != nil {
			return media.ErrAborted
		}
		c.drainCmds()

		deadline := start + c.ticks*media.FramePeriodUS
		if c.clock.NowUS() < deadline {
			c.clock.Sleep(5 * time.Millisecond)
			continue
		}

		done, idle := c.tick()
		if done {
			c.log.Info("both sources ended, compositor finished",
				"frames", c.framesComposited.Load())
			return nil
		}
		if idle {
			c.clock.Sleep(10 * time.Millisecond)
			// Re-anchor the cadence so a stall does not burst afterwards.
			start = c.clock.NowUS() - c.ticks*media.FramePeriodUS
			continue
		}
		c.ticks++
	}
}

// tick runs one frame of work. Returns done=true when both sources are
// EOF with empty queues, idle=true when there is nothing to draw yet.
func (c *Compositor) tick() (done, idle bool) {
	c.drainAudio()

	fa, _ := c.inputs[0].Video.Pop()
	fb, _ := c.inputs[1].Video.Pop()

	if fa == nil && fb == nil {
		if c.inputs[0].VideoDone() && c.inputs[1].VideoDone() &&
			c.inputs[0].Video.Len() == 0 && c.inputs[1].Video.Len() == 0 {
			return true, false
		}
		return false, true
	}

	bg, pip := fa, fb
	if c.swapped.Load() {
		bg, pip = fb, fa
	}

	canvas := c.canvasPool.Get().(*image.RGBA)
	x, y, w, h := c.geo.Get()
	if bg == nil {
		// Background source starved or EOF: promote the PiP source to
		// full canvas and skip the inset this tick.
		drawComposite(canvas, pip.Image, nil, 0, 0, 0, 0)
	} else {
		var pipImg *image.RGBA
		if pip != nil {
			pipImg = pip.Image
		}
		drawComposite(canvas, bg.Image, pipImg, x, y, w, h)
	}

	if fa != nil {
		fa.Release()
	}
	if fb != nil {
		fb.Release()
	}

	pts := c.frameIndex * 1_000_000 / media.OutputFPS
	frame := media.NewRawVideoFrame(canvas, pts, func() { c.canvasPool.Put(canvas) })

	if c.videoEnc.QueueSize() > media.EncoderQueueLimit {
		frame.Release()
		c.framesDropped.Add(1)
		c.log.Warn("video encoder saturated, dropping frame",
			"queue", c.videoEnc.QueueSize(), "frame_index", c.frameIndex)
		return false, false
	}

	force := c.frameIndex%media.KeyframeInterval == 0
	if err := c.videoEnc.Encode(frame, force); err != nil {
		c.log.Error("video encode failed", "error", err)
	}
	frame.Release()
	c.frameIndex++
	c.framesComposited.Add(1)
	return false, false
}

// drainAudio moves every newly decoded PCM frame into its source's ring
// and feeds the active source's frames to the audio re-encoder on the
// 20 ms output grid.
func (c *Compositor) drainAudio() {
	for i, in := range c.inputs {
		for {
			f, ok := in.Audio.Pop()
			if !ok {
				break
			}
			c.rings[i].Push(f.Clone())
			if in.ID == c.active {
				c.feedActiveAudio(f)
			}
			f.Release()
		}
	}
}

// feedActiveAudio re-stamps the frame onto the strictly increasing
// 20 ms output grid and submits it to the re-encoder. The caller still
// owns and releases the frame.
func (c *Compositor) feedActiveAudio(f *media.RawAudioFrame) {
	f.PTS = c.lastEmitted.Load()
	c.lastEmitted.Add(media.AudioGrainUS)
	if err := c.audioEnc.Encode(f); err != nil {
		c.log.Error("audio encode failed", "error", err)
	}
	c.audioFed.Add(1)
}

// LastEmittedAudioPTS exposes the audio grid position for invariant tests.
func (c *Compositor) LastEmittedAudioPTS() int64 {
	return c.lastEmitted.Load()
}

// doSetActive runs the audio switch protocol on the compositor task.
func (c *Compositor) doSetActive(next media.SourceID) {
	if next == c.active {
		return
	}
	c.log.Info("switching active audio source", "from", c.active.String(), "to", next.String())
	c.active = next
	c.activePublished.Store(int32(next))
	c.switches.Add(1)
	if c.onActiveChanged != nil {
		c.onActiveChanged(next)
	}

	tNow := int64(c.snk.CurrentTime() * 1e6)
	spliceUS := tNow + media.SwitchLeadUS
	spliceS := float64(spliceUS) / 1e6

	// Clear buffered audio from the splice point onward. Deferred via the
	// feeder when the sink is mid-append.
	if end := sink.BufferedEnd(c.snk.AudioBuffer().Buffered()); end > spliceS {
		c.audioFeeder.RemoveWhenIdle(spliceS, end)
	}

	// The old muxer's timeline is ahead of the splice point; it would
	// reject the re-based timestamps. Start a fresh one.
	c.audioFeeder.DropQueued()
	if err := c.recreateAudioMuxer(); err != nil {
		c.fail(err)
		return
	}
	c.lastEmitted.Store(spliceUS)

	// Replay the new source's ring from the playhead's grain index.
	ring := c.rings[next]
	entries := ring.Snapshot()
	if len(entries) > 0 {
		idx := int(tNow / media.AudioGrainUS)
		if idx < 0 {
			idx = 0
		}
		if idx > len(entries)-1 {
			idx = len(entries) - 1
		}
		for _, f := range entries[idx:] {
			c.feedActiveAudio(f)
		}
	}

	// Both histories are consumed; release everything.
	c.rings[0].DrainRelease()
	c.rings[1].DrainRelease()
}

// teardown releases every owned resource: queued raw frames, ring
// entries, encoders, and muxers.
func (c *Compositor) teardown() {
	c.drainCmds()
	for _, in := range c.inputs {
		in.Video.Close(func(f *media.RawVideoFrame) { f.Release() })
		in.Audio.Close(func(f *media.RawAudioFrame) { f.Release() })
	}
	c.rings[0].DrainRelease()
	c.rings[1].DrainRelease()

	c.videoEnc.Flush()
	c.videoEnc.Close()
	c.audioEnc.Flush()
	c.audioEnc.Close()

	if err := c.videoMux.Close(); err != nil {
		c.log.Debug("video muxer close", "error", err)
	}
	if err := c.audioMux.Close(); err != nil {
		c.log.Debug("audio muxer close", "error", err)
	}
}
