package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipcast/pipcast/internal/codec"
	"github.com/pipcast/pipcast/internal/compose"
	"github.com/pipcast/pipcast/internal/demux"
	"github.com/pipcast/pipcast/internal/manifest"
	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/producer"
)

// sourcePipeline owns one source's fetch→demux→decode chain and pushes
// decoded frames into the compositor's bounded input queues.
type sourcePipeline struct {
	id      media.SourceID
	log     *slog.Logger
	engines codec.Engines
	input   *compose.Input

	// audioCodec is the manifest-declared fourcc, preferred over the
	// demuxed codec string for the host support probe.
	audioCodec string

	ctx context.Context

	prod       *producer.Producer
	videoDemux *demux.Demuxer
	audioDemux *demux.Demuxer
	videoDec   codec.VideoDecoder
	audioDec   codec.AudioDecoder

	videoDown bool
	audioDown bool

	// onFatal surfaces failures that end the whole load (unsupported
	// video codec). onDegraded reports partial failures that leave the
	// rest of the pipeline running.
	onFatal    func(error)
	onDegraded func(error)
}

func newSourcePipeline(ctx context.Context, id media.SourceID, man *manifest.Manifest, engines codec.Engines, input *compose.Input, onFatal, onDegraded func(error), log *slog.Logger) *sourcePipeline {
	sp := &sourcePipeline{
		id:         id,
		log:        log.With("component", "source", "source", id.String()),
		engines:    engines,
		input:      input,
		audioCodec: man.AudioCodec,
		ctx:        ctx,
		onFatal:    onFatal,
		onDegraded: onDegraded,
	}

	sp.videoDemux = demux.New(id, media.TrackVideo, sp.onVideoReady, sp.onVideoSamples, log)
	sp.audioDemux = demux.New(id, media.TrackAudio, sp.onAudioReady, sp.onAudioSamples, log)

	sp.prod = producer.New(id, man, producer.Options{
		OnSegment:  sp.onSegment,
		OnTrackEnd: sp.onTrackEnd,
		OnError:    sp.onProducerError,
		Log:        log,
	})
	return sp
}

func (sp *sourcePipeline) start(ctx context.Context) {
	sp.prod.Start(ctx)
}

func (sp *sourcePipeline) stop() {
	sp.prod.Stop()
	if sp.videoDec != nil {
		sp.videoDec.Close()
	}
	if sp.audioDec != nil {
		sp.audioDec.Close()
	}
}

// onSegment runs on the producer goroutine. Demux callbacks (ready,
// samples, decode) are synchronous continuations of it.
func (sp *sourcePipeline) onSegment(rec media.SegmentRecord) {
	var d *demux.Demuxer
	var down bool
	switch rec.Track {
	case media.TrackVideo:
		d, down = sp.videoDemux, sp.videoDown
	case media.TrackAudio:
		d, down = sp.audioDemux, sp.audioDown
	}
	if down {
		if rec.Kind == media.SegmentMedia {
			sp.prod.Ack(rec.Track)
		}
		return
	}

	if err := d.Append(rec.Bytes); err != nil {
		sp.handleTrackError(rec.Track, err)
	}
	if rec.Kind == media.SegmentMedia {
		sp.prod.Ack(rec.Track)
	}
}

func (sp *sourcePipeline) onTrackEnd(track media.Track) {
	switch track {
	case media.TrackVideo:
		if sp.videoDec != nil {
			sp.videoDec.Flush()
		}
		sp.input.MarkVideoDone()
	case media.TrackAudio:
		if sp.audioDec != nil {
			sp.audioDec.Flush()
		}
		sp.input.MarkAudioDone()
	}
}

func (sp *sourcePipeline) onProducerError(err error) {
	sp.log.Error("source degraded by network failure", "error", err)
	if sp.onDegraded != nil {
		sp.onDegraded(err)
	}
}

func (sp *sourcePipeline) onVideoReady(params demux.TrackParams) {
	dec := sp.engines.NewVideoDecoder()
	err := dec.Configure(codec.VideoDecoderConfig{
		Codec:   params.Codec,
		Config:  params.CodecConfig,
		OnFrame: sp.onVideoFrame,
		OnError: func(err error) { sp.handleTrackError(media.TrackVideo, err) },
	})
	if err != nil {
		// An undecodable video track ends the load: there is nothing to
		// composite for this source.
		sp.log.Error("video decoder rejected configuration", "codec", params.Codec, "error", err)
		sp.teardownTrack(media.TrackVideo)
		if sp.onFatal != nil {
			sp.onFatal(fmt.Errorf("%w: video %s", media.ErrCodecUnsupported, params.Codec))
		}
		return
	}
	sp.videoDec = dec
	sp.log.Info("video decoder configured", "codec", params.Codec, "width", params.Width, "height", params.Height)
}

func (sp *sourcePipeline) onAudioReady(params demux.TrackParams) {
	codecStr := sp.audioCodec
	if codecStr == "" {
		codecStr = params.Codec
	}
	if !sp.engines.IsAudioConfigSupported(sp.ctx, codecStr) {
		sp.log.Warn("audio codec unsupported, tearing down audio pipeline", "codec", codecStr)
		sp.teardownTrack(media.TrackAudio)
		if sp.onDegraded != nil {
			sp.onDegraded(fmt.Errorf("%w: audio %s", media.ErrCodecUnsupported, codecStr))
		}
		return
	}

	dec := sp.engines.NewAudioDecoder()
	err := dec.Configure(codec.AudioDecoderConfig{
		Codec:      params.Codec,
		Config:     params.CodecConfig,
		SampleRate: params.SampleRate,
		Channels:   params.Channels,
		OnFrame:    sp.onAudioFrame,
		OnError:    func(err error) { sp.handleTrackError(media.TrackAudio, err) },
	})
	if err != nil {
		sp.log.Warn("audio decoder rejected configuration", "codec", params.Codec, "error", err)
		sp.teardownTrack(media.TrackAudio)
		if sp.onDegraded != nil {
			sp.onDegraded(fmt.Errorf("%w: audio %s", media.ErrCodecUnsupported, params.Codec))
		}
		return
	}
	sp.audioDec = dec
	sp.log.Info("audio decoder configured", "codec", params.Codec, "sample_rate", params.SampleRate)
}

func (sp *sourcePipeline) onVideoSamples(units []media.EncodedUnit) {
	if sp.videoDec == nil || sp.videoDown {
		return
	}
	for _, u := range units {
		// Hold feeding while the compositor-side queue is full; the
		// queue drains one frame per tick.
		if !sp.waitVideoRoom() {
			return
		}
		if err := sp.videoDec.Decode(u); err != nil {
			sp.handleTrackError(media.TrackVideo, err)
			return
		}
	}
}

func (sp *sourcePipeline) onAudioSamples(units []media.EncodedUnit) {
	if sp.audioDec == nil || sp.audioDown {
		return
	}
	for _, u := range units {
		if !sp.waitAudioRoom() {
			return
		}
		if err := sp.audioDec.Decode(u); err != nil {
			sp.handleTrackError(media.TrackAudio, err)
			return
		}
	}
}

// waitVideoRoom blocks the producer goroutine until the video queue has
// space for the decoder's next output. False means the context ended.
func (sp *sourcePipeline) waitVideoRoom() bool {
	for {
		if sp.ctx.Err() != nil {
			return false
		}
		inFlight := 0
		if sp.videoDec != nil {
			inFlight = sp.videoDec.QueueSize()
		}
		if sp.input.Video.Len()+inFlight < media.DecoderQueueDepth {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (sp *sourcePipeline) waitAudioRoom() bool {
	for {
		if sp.ctx.Err() != nil {
			return false
		}
		if sp.input.Audio.Len() < sp.input.Audio.Cap() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (sp *sourcePipeline) onVideoFrame(f *media.RawVideoFrame) {
	if !sp.input.Video.TryPush(f) {
		// Feeding is gated on queue room; overflow here means the gate
		// raced a burst. The frame must still be released.
		f.Release()
		sp.log.Warn("video queue overflow, frame released")
	}
}

func (sp *sourcePipeline) onAudioFrame(f *media.RawAudioFrame) {
	if !sp.input.Audio.TryPush(f) {
		f.Release()
		sp.log.Warn("audio queue overflow, frame released")
	}
}

// handleTrackError tears down one track, leaving the other track and the
// other source running.
func (sp *sourcePipeline) handleTrackError(track media.Track, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	sp.log.Error("track failed", "track", track.String(), "error", err)
	sp.teardownTrack(track)
	if sp.onDegraded != nil {
		sp.onDegraded(err)
	}
}

func (sp *sourcePipeline) teardownTrack(track media.Track) {
	switch track {
	case media.TrackVideo:
		if sp.videoDown {
			return
		}
		sp.videoDown = true
		if sp.videoDec != nil {
			sp.videoDec.Close()
		}
		sp.input.MarkVideoDone()
	case media.TrackAudio:
		if sp.audioDown {
			return
		}
		sp.audioDown = true
		if sp.audioDec != nil {
			sp.audioDec.Close()
		}
		sp.input.MarkAudioDone()
	}
}
