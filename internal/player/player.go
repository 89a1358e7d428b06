// Package player wires the whole dual-source pipeline: two segment
// producers feeding demuxers and decoders, the 30 fps compositor with
// its re-encoders and muxers, and the back-pressured sink feeders. The
// Player is the public control surface: Load, Swap, SetActive, Destroy.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pipcast/pipcast/internal/codec"
	"github.com/pipcast/pipcast/internal/compose"
	"github.com/pipcast/pipcast/internal/manifest"
	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/sink"
)

// Options configures a Player.
type Options struct {
	Engines codec.Engines
	Sink    sink.Sink

	// Clock overrides the compositor clock (tests).
	Clock compose.Clock

	// OnEvent receives the host event stream. May be nil.
	OnEvent func(Event)

	// OnVideoChunk and OnAudioChunk observe muxed container output
	// alongside the sink feeders (HTTP re-streaming). May be nil.
	OnVideoChunk func(media.ContainerChunk)
	OnAudioChunk func(media.ContainerChunk)

	// LookaheadS / BehindS override the feeder windows; 0 means default.
	LookaheadS float64
	BehindS    float64

	Width  int
	Height int

	Log *slog.Logger
}

// Player is the root object of one dual-stream playback session.
type Player struct {
	log  *slog.Logger
	opts Options

	geometry *media.PipGeometry

	mu        sync.Mutex
	loaded    bool
	destroyed bool
	swapped   bool
	cancel    context.CancelFunc
	compDone  chan struct{}

	comp        *compose.Compositor
	sources     [2]*sourcePipeline
	videoFeeder *sink.Feeder
	audioFeeder *sink.Feeder
}

// New creates an unloaded Player.
func New(opts Options) *Player {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	width := opts.Width
	if width == 0 {
		width = media.CanvasWidth
	}
	height := opts.Height
	if height == 0 {
		height = media.CanvasHeight
	}
	opts.Width, opts.Height = width, height

	return &Player{
		log:  log.With("component", "player"),
		opts: opts,
		geometry: media.NewPipGeometry(
			width-width/4-16, height-height/4-16, width/4, height/4),
	}
}

// Geometry returns the PiP rectangle for the host's input handler.
func (p *Player) Geometry() *media.PipGeometry { return p.geometry }

// Load fetches both manifests and starts the pipeline. It rejects a
// second call.
func (p *Player) Load(ctx context.Context, urlA, urlB string) error {
	loader := manifest.NewLoader()
	manA, err := loader.Load(ctx, urlA)
	if err != nil {
		return fmt.Errorf("load source A: %w", err)
	}
	manB, err := loader.Load(ctx, urlB)
	if err != nil {
		return fmt.Errorf("load source B: %w", err)
	}
	return p.LoadManifests(ctx, manA, manB)
}

// LoadManifests starts the pipeline from already-resolved manifests.
func (p *Player) LoadManifests(ctx context.Context, manA, manB *manifest.Manifest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return media.ErrAborted
	}
	if p.loaded {
		return media.ErrAlreadyLoaded
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.videoFeeder = sink.NewFeeder(p.opts.Sink, p.opts.Sink.VideoBuffer(), sink.FeederOptions{
		Track:          media.TrackVideo,
		LookaheadS:     p.opts.LookaheadS,
		BehindS:        p.opts.BehindS,
		Autoplay:       true,
		OnBufferUpdate: p.emitBufferUpdate,
		OnFatal:        p.emitFatal,
		Log:            p.log,
	})
	p.audioFeeder = sink.NewFeeder(p.opts.Sink, p.opts.Sink.AudioBuffer(), sink.FeederOptions{
		Track:          media.TrackAudio,
		LookaheadS:     p.opts.LookaheadS,
		BehindS:        p.opts.BehindS,
		OnBufferUpdate: p.emitBufferUpdate,
		OnFatal:        p.emitFatal,
		Log:            p.log,
	})

	inputs := [2]*compose.Input{
		compose.NewInput(media.SourceA),
		compose.NewInput(media.SourceB),
	}

	comp, err := compose.New(compose.Options{
		Clock:        p.opts.Clock,
		Geometry:     p.geometry,
		Inputs:       inputs,
		VideoEncoder: p.opts.Engines.NewVideoEncoder(),
		AudioEncoder: p.opts.Engines.NewAudioEncoder(),
		Sink:         p.opts.Sink,
		VideoFeeder:  p.videoFeeder,
		AudioFeeder:  p.audioFeeder,
		VideoTap:     p.opts.OnVideoChunk,
		AudioTap:     p.opts.OnAudioChunk,
		OnActiveChanged: func(id media.SourceID) {
			p.emit(Event{
				Type:          EventActiveChanged,
				ActiveChanged: &ActiveSourceChanged{Source: id.String()},
			})
		},
		OnError: p.emitFatal,
		Width:   p.opts.Width,
		Height:  p.opts.Height,
		Log:     p.log,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("build compositor: %w", err)
	}
	p.comp = comp

	for i, man := range []*manifest.Manifest{manA, manB} {
		id := media.SourceID(i)
		p.sources[i] = newSourcePipeline(runCtx, id, man, p.opts.Engines, inputs[i],
			p.emitFatal, p.emitDegraded, p.log)
	}

	p.opts.Sink.OnTimeUpdate(func(t float64) {
		p.emit(Event{Type: EventTimeUpdate, Time: &TimeUpdate{CurrentTimeS: t}})
		p.videoFeeder.Kick()
		p.audioFeeder.Kick()
	})

	p.compDone = make(chan struct{})
	go func() {
		defer close(p.compDone)
		if err := comp.Run(runCtx); err != nil && !errors.Is(err, media.ErrAborted) {
			p.emitFatal(err)
		}
	}()

	for _, sp := range p.sources {
		sp.start(runCtx)
	}

	p.loaded = true
	p.log.Info("player loaded",
		"video_segments_a", len(manA.VideoSegments),
		"video_segments_b", len(manB.VideoSegments))
	return nil
}

// SetActive switches the audio source. No-op when it already is active.
func (p *Player) SetActive(id media.SourceID) {
	p.mu.Lock()
	comp := p.comp
	p.mu.Unlock()
	if comp != nil {
		comp.SetActive(id)
	}
}

// Swap exchanges background and PiP sources. The active audio follows
// the new background source.
func (p *Player) Swap() {
	p.mu.Lock()
	p.swapped = !p.swapped
	swapped := p.swapped
	comp := p.comp
	p.mu.Unlock()
	if comp == nil {
		return
	}
	comp.SetSwapped(swapped)
	if swapped {
		comp.SetActive(media.SourceB)
	} else {
		comp.SetActive(media.SourceA)
	}
}

// Active returns the active audio source as last published.
func (p *Player) Active() media.SourceID {
	p.mu.Lock()
	comp := p.comp
	p.mu.Unlock()
	if comp == nil {
		return media.SourceA
	}
	return comp.Active()
}

// Stats snapshots the compositor counters. Zero value before Load.
func (p *Player) Stats() compose.Stats {
	p.mu.Lock()
	comp := p.comp
	p.mu.Unlock()
	if comp == nil {
		return compose.Stats{}
	}
	return comp.Snapshot()
}

// Wait blocks until the compositor loop finishes (both sources EOF or
// destroy).
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.compDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Destroy aborts the pipeline and releases every owned resource. It is
// idempotent.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	cancel := p.cancel
	sources := p.sources
	done := p.compDone
	videoFeeder, audioFeeder := p.videoFeeder, p.audioFeeder
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sp := range sources {
		if sp != nil {
			sp.stop()
		}
	}
	if done != nil {
		<-done
	}
	if videoFeeder != nil {
		videoFeeder.Close()
	}
	if audioFeeder != nil {
		audioFeeder.Close()
	}
	p.log.Info("player destroyed")
}

func (p *Player) emit(ev Event) {
	if p.opts.OnEvent != nil {
		p.opts.OnEvent(ev)
	}
}

func (p *Player) emitBufferUpdate() {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}
	p.emit(Event{
		Type: EventBufferUpdate,
		Buffer: &BufferUpdate{
			VideoRanges: rangesToPairs(p.opts.Sink.VideoBuffer().Buffered()),
			AudioRanges: rangesToPairs(p.opts.Sink.AudioBuffer().Buffered()),
		},
	})
}

func (p *Player) emitFatal(err error) {
	p.emit(Event{
		Type: EventError,
		Err:  &ErrorEvent{Kind: errorKind(err), Message: err.Error()},
	})
}

func (p *Player) emitDegraded(err error) {
	p.log.Warn("pipeline degraded", "error", err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, media.ErrNetworkFailure):
		return "NetworkFailure"
	case errors.Is(err, media.ErrDemuxMalformed):
		return "DemuxMalformed"
	case errors.Is(err, media.ErrCodecUnsupported):
		return "CodecUnsupported"
	case errors.Is(err, media.ErrSinkRejected):
		return "SinkRejected"
	case errors.Is(err, media.ErrAborted):
		return "Aborted"
	}
	return "Internal"
}

func rangesToPairs(ranges []sink.Range) [][2]float64 {
	out := make([][2]float64, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, [2]float64{r.Start, r.End})
	}
	return out
}
