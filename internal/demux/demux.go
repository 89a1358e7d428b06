// Package demux parses fragmented MP4 segments into encoded access units.
// One Demuxer instance handles one (source, track) pair: the init segment
// produces a ready callback carrying track parameters and codec
// configuration bytes, after which media segments produce batched samples
// with presentation timestamps converted to microseconds.
package demux

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/pipcast/pipcast/internal/media"
)

// TrackParams carries everything a decoder needs to configure.
type TrackParams struct {
	Track media.Track

	// Codec is the RFC 6381 style codec string, e.g. "avc1" or "mp4a.40.2".
	Codec string

	// CodecConfig is the codec-specific configuration: the AVC decoder
	// configuration record for H.264 video, the AudioSpecificConfig payload
	// (not the surrounding descriptor) for AAC audio. For H.265 video it
	// holds the raw SPS NAL unit only; no HEVC decoder configuration record
	// is built.
	CodecConfig []byte

	Timescale uint32

	// Video only.
	Width, Height int

	// Audio only.
	SampleRate int
	Channels   int
}

// Demuxer accepts appended segment byte ranges for one track of one
// source and emits encoded units.
type Demuxer struct {
	source media.SourceID
	track  media.Track
	log    *slog.Logger

	onReady   func(TrackParams)
	onSamples func([]media.EncodedUnit)

	ready   bool
	trackID int
	params  TrackParams

	// Running byte offset of appended data, kept for diagnostics: segments
	// are self-contained moof/mdat pairs, so parsing never spans appends.
	offset int64
}

// New creates a demuxer for one (source, track) pair.
func New(source media.SourceID, track media.Track, onReady func(TrackParams), onSamples func([]media.EncodedUnit), log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		source:    source,
		track:     track,
		log:       log.With("component", "demux", "source", source.String(), "track", track.String()),
		onReady:   onReady,
		onSamples: onSamples,
	}
}

// Ready reports whether the init segment has been parsed.
func (d *Demuxer) Ready() bool { return d.ready }

// Params returns the track parameters. Valid only after Ready.
func (d *Demuxer) Params() TrackParams { return d.params }

// Append feeds the next contiguous byte range. The first append must be
// the track's init segment; subsequent appends are media segments.
func (d *Demuxer) Append(buf []byte) error {
	d.offset += int64(len(buf))
	if !d.ready {
		return d.parseInit(buf)
	}
	return d.parseMedia(buf)
}

func (d *Demuxer) parseInit(buf []byte) error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("%w: init segment: %s", media.ErrDemuxMalformed, err)
	}

	track, err := d.selectTrack(&init)
	if err != nil {
		return err
	}

	params := TrackParams{
		Track:     d.track,
		Timescale: track.TimeScale,
	}

	switch codec := track.Codec.(type) {
	case *mp4.CodecH264:
		params.Codec = "avc1"
		params.CodecConfig = buildAVCDecoderConfig(codec.SPS, codec.PPS)
		if w, h, err := spsDimensions(codec.SPS); err == nil {
			params.Width, params.Height = w, h
		}

	case *mp4.CodecH265:
		params.Codec = "hvc1"
		params.CodecConfig = append([]byte(nil), codec.SPS...)

	case *mp4.CodecMPEG4Audio:
		// The decoder wants the AudioSpecificConfig payload itself, pulled
		// out of the DecoderSpecificInfo descriptor, not the enclosing
		// esds box.
		asc, err := extractASCFromInit(buf)
		if err != nil {
			return fmt.Errorf("%w: esds: %s", media.ErrDemuxMalformed, err)
		}
		params.Codec = fmt.Sprintf("mp4a.40.%d", codec.Config.Type)
		params.CodecConfig = asc
		params.SampleRate = codec.Config.SampleRate
		params.Channels = codec.Config.ChannelCount

	case *mp4.CodecOpus:
		params.Codec = "opus"
		params.SampleRate = media.AudioSampleRate
		params.Channels = codec.ChannelCount

	default:
		return fmt.Errorf("%w: unhandled sample entry %T", media.ErrCodecUnsupported, track.Codec)
	}

	d.trackID = track.ID
	d.params = params
	d.ready = true
	d.log.Info("track ready",
		"codec", params.Codec,
		"timescale", params.Timescale,
		"config_len", len(params.CodecConfig))

	if d.onReady != nil {
		d.onReady(params)
	}
	return nil
}

// selectTrack picks the init track matching this demuxer's media kind.
// Init segments here are single-track, but a muxed-in extra track is
// tolerated by matching on codec family.
func (d *Demuxer) selectTrack(init *fmp4.Init) (*fmp4.InitTrack, error) {
	for _, t := range init.Tracks {
		video := isVideoCodec(t.Codec)
		if (d.track == media.TrackVideo) == video {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s track in init segment", media.ErrDemuxMalformed, d.track.String())
}

func isVideoCodec(c mp4.Codec) bool {
	switch c.(type) {
	case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecVP9, *mp4.CodecAV1:
		return true
	}
	return false
}

func (d *Demuxer) parseMedia(buf []byte) error {
	var parts fmp4.Parts
	if err := parts.Unmarshal(buf); err != nil {
		return fmt.Errorf("%w: media segment: %s", media.ErrDemuxMalformed, err)
	}

	batchSize := media.VideoSampleBatch
	if d.track == media.TrackAudio {
		batchSize = media.AudioSampleBatch
	}

	units := make([]media.EncodedUnit, 0, batchSize)
	flush := func() {
		if len(units) == 0 {
			return
		}
		if d.onSamples != nil {
			d.onSamples(units)
		}
		units = make([]media.EncodedUnit, 0, batchSize)
	}

	for _, part := range parts {
		for _, pt := range part.Tracks {
			if pt.ID != d.trackID {
				continue
			}
			dts := int64(pt.BaseTime)
			for _, s := range pt.Samples {
				cts := dts + int64(s.PTSOffset)
				units = append(units, media.EncodedUnit{
					Track:      d.track,
					IsKeyframe: !s.IsNonSyncSample,
					PTS:        toMicroseconds(cts, d.params.Timescale),
					Duration:   toMicroseconds(int64(s.Duration), d.params.Timescale),
					Bytes:      s.Payload,
				})
				dts += int64(s.Duration)
				if len(units) == batchSize {
					flush()
				}
			}
		}
	}
	flush()
	return nil
}

// toMicroseconds converts a track-timescale value into microseconds.
func toMicroseconds(value int64, timescale uint32) int64 {
	if timescale == 0 {
		return 0
	}
	return value * 1_000_000 / int64(timescale)
}

// buildAVCDecoderConfig assembles an AVCDecoderConfigurationRecord from
// raw SPS and PPS NAL data (without start codes).
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

func spsDimensions(sps []byte) (int, int, error) {
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return 0, 0, err
	}
	return parsed.Width(), parsed.Height(), nil
}
