// Package segtest generates fragmented-MP4 fixtures and serves them over
// an in-process HTTP server, for producer, demux, and player tests.
package segtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/pipcast/pipcast/internal/manifest"
)

// Known-good parameter sets used across the pack's muxer tests.
var (
	TestSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	TestPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

const (
	VideoTimescale = 90000
	AudioTimescale = 48000
	VideoTrackID   = 1
	AudioTrackID   = 1
)

// VideoInit builds an H.264 init segment.
func VideoInit() []byte {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        VideoTrackID,
				TimeScale: VideoTimescale,
				Codec: &mp4.CodecH264{
					SPS: TestSPS,
					PPS: TestPPS,
				},
			},
		},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		panic(fmt.Sprintf("marshal video init: %v", err))
	}
	return buf.Bytes()
}

// AudioInit builds an AAC-LC init segment.
func AudioInit() []byte {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        AudioTrackID,
				TimeScale: AudioTimescale,
				Codec: &mp4.CodecMPEG4Audio{
					Config: mpeg4audio.AudioSpecificConfig{
						Type:         mpeg4audio.ObjectTypeAACLC,
						SampleRate:   48000,
						ChannelCount: 2,
					},
				},
			},
		},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		panic(fmt.Sprintf("marshal audio init: %v", err))
	}
	return buf.Bytes()
}

// VideoSegment builds one media part: sampleCount samples of
// sampleDuration timescale units starting at baseTime, first sample a
// sync sample.
func VideoSegment(seq uint32, baseTime uint64, sampleCount int, sampleDuration uint32) []byte {
	samples := make([]*fmp4.Sample, sampleCount)
	for i := range samples {
		samples[i] = &fmp4.Sample{
			Duration:        sampleDuration,
			IsNonSyncSample: i != 0,
			Payload:         []byte{0x00, 0x00, 0x00, 0x01, 0x65, byte(i)},
		}
	}
	return marshalPart(&fmp4.Part{
		SequenceNumber: seq,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       VideoTrackID,
				BaseTime: baseTime,
				Samples:  samples,
			},
		},
	})
}

// AudioSegment builds one media part of AAC grains.
func AudioSegment(seq uint32, baseTime uint64, sampleCount int, sampleDuration uint32) []byte {
	samples := make([]*fmp4.Sample, sampleCount)
	for i := range samples {
		samples[i] = &fmp4.Sample{
			Duration: sampleDuration,
			Payload:  []byte{0x21, byte(i), 0x49, 0x90},
		}
	}
	return marshalPart(&fmp4.Part{
		SequenceNumber: seq,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       AudioTrackID,
				BaseTime: baseTime,
				Samples:  samples,
			},
		},
	})
}

func marshalPart(part *fmp4.Part) []byte {
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		panic(fmt.Sprintf("marshal part: %v", err))
	}
	return buf.Bytes()
}

// SourceSpec describes a synthetic source to serve.
type SourceSpec struct {
	// Segments is the number of 2-second media segments per track.
	Segments int
	// AudioCodec overrides the manifest-declared fourcc (default
	// "mp4a.40.2").
	AudioCodec string
}

// Server serves generated segments and a manifest for one source.
type Server struct {
	*httptest.Server
	spec SourceSpec
}

const (
	segmentDurationUS = 2_000_000
	videoSamplesPer   = 60  // 2 s at 30 fps
	audioSamplesPer   = 100 // 2 s at 20 ms grains
)

// NewServer starts an HTTP server generating segments on demand.
func NewServer(spec SourceSpec) *Server {
	s := &Server{spec: spec}
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", s.handleManifest)
	mux.HandleFunc("/init-video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(VideoInit())
	})
	mux.HandleFunc("/init-audio.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(AudioInit())
	})
	mux.HandleFunc("/video/", func(w http.ResponseWriter, r *http.Request) {
		var idx int
		fmt.Sscanf(r.URL.Path, "/video/%d.m4s", &idx)
		base := uint64(idx) * videoSamplesPer * (VideoTimescale / 30)
		w.Write(VideoSegment(uint32(idx+1), base, videoSamplesPer, VideoTimescale/30))
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		var idx int
		fmt.Sscanf(r.URL.Path, "/audio/%d.m4s", &idx)
		base := uint64(idx) * audioSamplesPer * (AudioTimescale / 50)
		w.Write(AudioSegment(uint32(idx+1), base, audioSamplesPer, AudioTimescale/50))
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// ManifestURL returns the manifest endpoint.
func (s *Server) ManifestURL() string {
	return s.URL + "/manifest.json"
}

// Manifest returns the descriptor the server advertises.
func (s *Server) Manifest() *manifest.Manifest {
	audioCodec := s.spec.AudioCodec
	if audioCodec == "" {
		audioCodec = "mp4a.40.2"
	}
	m := &manifest.Manifest{
		VideoInitURL: s.URL + "/init-video.mp4",
		AudioInitURL: s.URL + "/init-audio.mp4",
		AudioCodec:   audioCodec,
	}
	for i := 0; i < s.spec.Segments; i++ {
		pts := int64(i) * segmentDurationUS
		m.VideoSegments = append(m.VideoSegments, manifest.Segment{
			URL:        fmt.Sprintf("%s/video/%d.m4s", s.URL, i),
			PTSUS:      pts,
			DurationUS: segmentDurationUS,
		})
		m.AudioSegments = append(m.AudioSegments, manifest.Segment{
			URL:        fmt.Sprintf("%s/audio/%d.m4s", s.URL, i),
			PTSUS:      pts,
			DurationUS: segmentDurationUS,
		})
	}
	return m
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Manifest())
}
